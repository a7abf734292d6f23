package subtitle

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

// DecodeText converts subtitle bytes to a UTF-8 string and names the
// encoding it settled on. BOMs win; then strict UTF-8; then Windows-1250,
// the usual code page of Romanian subtitles, which decodes any input.
// Leftover BOMs and NUL bytes are stripped and the text is trimmed.
func DecodeText(raw []byte) (string, string) {
	var text, name string

	switch {
	case bytes.HasPrefix(raw, []byte{0xef, 0xbb, 0xbf}):
		text, name = string(raw[3:]), "utf-8-bom"
	case bytes.HasPrefix(raw, []byte{0xff, 0xfe}):
		text, name = decodeWith(unicode.UTF16(unicode.LittleEndian, unicode.UseBOM), raw), "utf-16le"
	case bytes.HasPrefix(raw, []byte{0xfe, 0xff}):
		text, name = decodeWith(unicode.UTF16(unicode.BigEndian, unicode.UseBOM), raw), "utf-16be"
	case utf8.Valid(raw):
		text, name = string(raw), "utf-8"
	default:
		text, name = decodeWith(charmap.Windows1250, raw), "windows-1250"
	}

	text = strings.ReplaceAll(text, "\ufeff", "")
	text = strings.ReplaceAll(text, "\x00", "")
	return strings.TrimSpace(text), name
}

func decodeWith(enc encoding.Encoding, raw []byte) string {
	out, err := enc.NewDecoder().Bytes(raw)
	if err != nil {
		return string(bytes.ToValidUTF8(raw, []byte("\ufffd")))
	}
	return string(out)
}

var (
	timingLine = regexp.MustCompile(`\d{1,2}:\d{2}:\d{2}[,.]\d{3}\s-->\s\d{1,2}:\d{2}:\d{2}[,.]\d{3}`)
	counterRow = regexp.MustCompile(`(?m)^\d+\s*$`)
	markupTag  = regexp.MustCompile(`<[^>]+>|\{[^}]+\}`)
	wordRe     = regexp.MustCompile(`[\p{L}']+`)
)

var (
	romanianWords = map[string]bool{
		"si": true, "și": true, "nu": true, "este": true, "că": true, "ca": true, "pentru": true,
		"sunt": true, "asta": true, "ce": true, "mai": true, "cu": true, "eu": true, "tu": true,
		"pe": true, "de": true, "la": true, "un": true, "o": true, "să": true, "sa": true,
	}
	englishWords = map[string]bool{
		"the": true, "and": true, "you": true, "is": true, "what": true, "to": true, "it": true,
		"of": true, "that": true, "this": true, "i": true, "a": true, "not": true, "are": true,
		"with": true, "for": true, "have": true, "we": true,
	}
)

// DetectLanguage returns "ro" or "en" for a subtitle file, from a language
// tag in its name ("movie.en.srt") or, failing that, from its text. It
// returns "unknown" when neither gives an answer.
func DetectLanguage(path string) string {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if i := strings.LastIndexByte(stem, '.'); i >= 0 {
		if lang, ok := languageTags[strings.ToLower(stem[i+1:])]; ok {
			return lang
		}
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return "unknown"
	}
	text, _ := DecodeText(raw)
	return detectText(text)
}

func detectText(text string) string {
	text = timingLine.ReplaceAllString(text, " ")
	text = counterRow.ReplaceAllString(text, "")
	text = markupTag.ReplaceAllString(text, " ")
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) < 10 {
		return "unknown"
	}

	var ro, en int
	for _, r := range text {
		switch r {
		case 'ă', 'Ă', 'â', 'Â', 'î', 'Î', 'ș', 'Ș', 'ş', 'Ş', 'ț', 'Ț', 'ţ', 'Ţ':
			ro += 2
		}
	}
	for _, w := range wordRe.FindAllString(strings.ToLower(text), 2000) {
		if romanianWords[w] {
			ro++
		}
		if englishWords[w] {
			en++
		}
	}

	switch {
	case ro == 0 && en == 0:
		return "unknown"
	case ro > en:
		return "ro"
	default:
		return "en"
	}
}
