package adapter

import "strings"

// textLimit stays under Telegram's 4096 limit to leave room for entities.
const textLimit = 4000

// chunkText splits s into pieces of at most limit runes. A cut prefers the
// last newline past the first third of the window. With html set a cut never
// lands inside a tag.
func chunkText(s string, limit int, html bool) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rest := []rune(s)
	if len(rest) <= limit {
		return []string{s}
	}
	var out []string
	for len(rest) > 0 {
		n := cutPoint(rest, limit, html)
		if piece := strings.TrimRight(string(rest[:n]), "\n"); piece != "" {
			out = append(out, piece)
		}
		rest = rest[n:]
		for len(rest) > 0 && rest[0] == '\n' {
			rest = rest[1:]
		}
	}
	return out
}

func cutPoint(r []rune, limit int, html bool) int {
	if len(r) <= limit {
		return len(r)
	}
	n := limit
	if i := lastRune(r[:limit], '\n'); i >= limit/3 {
		n = i + 1
	}
	if html {
		if lt := lastRune(r[:n], '<'); lt > 0 && lt > lastRune(r[:n], '>') {
			n = lt
		}
	}
	return n
}

func lastRune(r []rune, c rune) int {
	for i := len(r) - 1; i >= 0; i-- {
		if r[i] == c {
			return i
		}
	}
	return -1
}
