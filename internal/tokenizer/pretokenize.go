package tokenizer

import "unicode"

// splitWords mirrors the GPT-2 pre-tokenizer pattern:
//
//	's|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+(?!\S)|\s+
func splitWords(s string) []string {
	rs := []rune(s)
	var out []string
	for i := 0; i < len(rs); {
		if n := contraction(rs[i:]); n > 0 {
			out = append(out, string(rs[i:i+n]))
			i += n
			continue
		}
		j := i
		if rs[i] == ' ' && i+1 < len(rs) && !unicode.IsSpace(rs[i+1]) {
			j = i + 1
		}
		c := rs[j]
		k := j
		switch {
		case unicode.IsLetter(c):
			for k < len(rs) && unicode.IsLetter(rs[k]) {
				k++
			}
		case unicode.IsNumber(c):
			for k < len(rs) && unicode.IsNumber(rs[k]) {
				k++
			}
		case !unicode.IsSpace(c):
			for k < len(rs) && !unicode.IsSpace(rs[k]) && !unicode.IsLetter(rs[k]) && !unicode.IsNumber(rs[k]) {
				k++
			}
		default:
			for k < len(rs) && unicode.IsSpace(rs[k]) {
				k++
			}
			// Leave the last space for the following word.
			if k < len(rs) && k-i > 1 {
				k--
			}
		}
		out = append(out, string(rs[i:k]))
		i = k
	}
	return out
}

func contraction(rs []rune) int {
	if len(rs) < 2 || rs[0] != '\'' {
		return 0
	}
	if len(rs) >= 3 {
		switch string(rs[1:3]) {
		case "re", "ve", "ll":
			return 3
		}
	}
	switch rs[1] {
	case 's', 't', 'm', 'd':
		return 2
	}
	return 0
}
