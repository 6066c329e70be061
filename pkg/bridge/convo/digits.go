package convo

import (
	"strconv"
	"strings"
)

var monthDigits = map[string]string{
	"january": "01", "jan": "01",
	"february": "02", "feb": "02",
	"march": "03", "mar": "03",
	"april": "04", "apr": "04",
	"may":  "05",
	"june": "06", "jun": "06",
	"july": "07", "jul": "07",
	"august": "08", "aug": "08",
	"september": "09", "sept": "09", "sep": "09",
	"october": "10", "oct": "10",
	"november": "11", "nov": "11",
	"december": "12", "dec": "12",
}

// unitWords cover 0-9 in cardinal and ordinal form.
var unitWords = map[string]int{
	"zero": 0, "oh": 0,
	"one": 1, "first": 1,
	"two": 2, "second": 2,
	"three": 3, "third": 3,
	"four": 4, "fourth": 4,
	"five": 5, "fifth": 5,
	"six": 6, "sixth": 6,
	"seven": 7, "seventh": 7,
	"eight": 8, "eighth": 8,
	"nine": 9, "ninth": 9,
}

// teenWords cover 10-19 in cardinal and ordinal form.
var teenWords = map[string]int{
	"ten": 10, "tenth": 10,
	"eleven": 11, "eleventh": 11,
	"twelve": 12, "twelfth": 12,
	"thirteen": 13, "thirteenth": 13,
	"fourteen": 14, "fourteenth": 14,
	"fifteen": 15, "fifteenth": 15,
	"sixteen": 16, "sixteenth": 16,
	"seventeen": 17, "seventeenth": 17,
	"eighteen": 18, "eighteenth": 18,
	"nineteen": 19, "nineteenth": 19,
}

var tensWords = map[string]int{
	"twenty": 20, "twentieth": 20,
	"thirty": 30, "thirtieth": 30,
	"forty": 40, "fortieth": 40,
	"fifty": 50, "fiftieth": 50,
	"sixty": 60, "sixtieth": 60,
	"seventy": 70, "seventieth": 70,
	"eighty": 80, "eightieth": 80,
	"ninety": 90, "ninetieth": 90,
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
	})
}

func keepDigits(text string) string {
	var b strings.Builder
	for _, r := range text {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// spokenDigits walks word tokens and renders them as digit runs. A tens word
// followed by a unit word composes into one number, so "eighty six" becomes
// "86" and "nineteen eighty six" becomes "1986". Unknown words contribute
// nothing. allowOh treats "oh" as zero, the way callers read digit strings.
func spokenDigits(text string, allowOh bool) string {
	tokens := tokenize(text)
	var b strings.Builder
	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		if d := keepDigits(tok); d != "" {
			b.WriteString(d)
			continue
		}
		if mm, ok := monthDigits[tok]; ok {
			b.WriteString(mm)
			continue
		}
		if n, ok := teenWords[tok]; ok {
			b.WriteString(strconv.Itoa(n))
			continue
		}
		if n, ok := tensWords[tok]; ok {
			if i+1 < len(tokens) {
				if u, unit := unitWords[tokens[i+1]]; unit && u > 0 {
					b.WriteString(strconv.Itoa(n + u))
					i++
					continue
				}
			}
			b.WriteString(strconv.Itoa(n))
			continue
		}
		if n, ok := unitWords[tok]; ok {
			if tok == "oh" && !allowOh {
				continue
			}
			b.WriteString(strconv.Itoa(n))
			continue
		}
	}
	return b.String()
}

// DOBDigits normalizes a spoken date fragment into its digit string.
// "September fourteen nineteen eighty six" becomes "09141986".
func DOBDigits(text string) string {
	return spokenDigits(text, false)
}

// AccountDigits normalizes spoken account digits, treating "oh" as zero.
func AccountDigits(text string) string {
	return spokenDigits(text, true)
}
