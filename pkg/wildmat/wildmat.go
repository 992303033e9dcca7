// Package wildmat сопоставляет телефонные номера с шаблонами в стиле shell glob.
//
// Поддерживается:
//   - ?      ровно один символ
//   - *      ноль или более символов
//   - [set]  класс символов, диапазоны вида [0-5]
//   - [^set] инвертированный класс ([!set] тоже допустим)
//   - \c     буквальный символ c
//
// Кроме совпадения и несовпадения различается третий исход: номер является
// префиксом строки, подходящей под шаблон (WouldMatch). Это нужно для
// донабора цифр, когда номер принимается по частям.
package wildmat

// Result результат сопоставления
type Result int

const (
	NoMatch Result = iota
	Match
	WouldMatch
)

func (r Result) String() string {
	switch r {
	case Match:
		return "match"
	case WouldMatch:
		return "would-match"
	default:
		return "no-match"
	}
}

// MatchString сопоставляет строку s с шаблоном pattern
func MatchString(s, pattern string) Result {
	return match(s, pattern)
}

// Any возвращает лучший результат среди шаблонов: Match важнее WouldMatch
func Any(s string, patterns []string) Result {
	best := NoMatch
	for _, p := range patterns {
		switch match(s, p) {
		case Match:
			return Match
		case WouldMatch:
			best = WouldMatch
		}
	}
	return best
}

func match(s, p string) Result {
	i := 0
	for j := 0; j < len(p); j++ {
		switch c := p[j]; c {
		case '*':
			if j+1 == len(p) {
				return Match
			}
			return star(s[i:], p[j+1:])

		case '?':
			if i == len(s) {
				return WouldMatch
			}
			i++

		case '[':
			if i == len(s) {
				return WouldMatch
			}
			end, ok := classMatch(s[i], p[j+1:])
			if !ok {
				return NoMatch
			}
			j += end + 1
			i++

		case '\\':
			if j+1 < len(p) {
				j++
				c = p[j]
			}
			fallthrough

		default:
			if i == len(s) {
				return WouldMatch
			}
			if s[i] != c {
				return NoMatch
			}
			i++
		}
	}
	if i == len(s) {
		return Match
	}
	return NoMatch
}

// star пробует остаток шаблона на каждом суффиксе строки
func star(s, p string) Result {
	best := NoMatch
	for i := 0; i <= len(s); i++ {
		switch match(s[i:], p) {
		case Match:
			return Match
		case WouldMatch:
			best = WouldMatch
		}
	}
	return best
}

// classMatch проверяет символ по классу. p начинается сразу после '['.
// Возвращает индекс закрывающей ']' в p и признак совпадения.
// Незакрытый класс распространяется до конца шаблона.
func classMatch(ch byte, p string) (int, bool) {
	reverse := false
	k := 0
	if k < len(p) && (p[k] == '^' || p[k] == '!') {
		reverse = true
		k++
	}

	matched := false
	var last byte
	for ; k < len(p) && p[k] != ']'; k++ {
		if p[k] == '-' && last != 0 && k+1 < len(p) && p[k+1] != ']' {
			k++
			if ch >= last && ch <= p[k] {
				matched = true
			}
			last = p[k]
			continue
		}
		if ch == p[k] {
			matched = true
		}
		last = p[k]
	}
	return k, matched != reverse
}
