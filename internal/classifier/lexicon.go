package classifier

// defaultEmoji holds per-emoji compound adjustments. These emoji are scored
// here instead of through the analyzer's emoji descriptions.
var defaultEmoji = map[rune]float64{
	'😀': 0.5,
	'😁': 0.5,
	'😂': 0.2,
	'😊': 0.6,
	'😍': 0.6,
	'🙂': 0.4,
	'👍': 0.5,
	'🎉': 0.6,
	'❤': 0.7,
	'😢': -0.4,
	'😭': -0.3,
	'😠': -0.5,
	'😡': -0.6,
	'👎': -0.5,
	'💩': -0.3,
}

// pluralSuffixes are tried in order to find the lexicon form of an unknown
// word: suffix to remove, replacement.
var pluralSuffixes = [][2]string{
	{"ies", "y"},
	{"es", ""},
	{"s", ""},
}

// wordPunctuation is trimmed from token edges before lexicon lookups.
const wordPunctuation = `"!#$%&'()*+,-./:;<=>?@[\]^_` + "`{|}~"
