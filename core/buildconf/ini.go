package buildconf

import (
	"errors"
	"os"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"

	apperrors "github.com/FocuswithJustin/propelbridge/core/errors"
	"github.com/FocuswithJustin/propelbridge/internal/ordered"
)

// iniFile is a parsed flat INI file.
type iniFile struct {
	Lines []*iniLine `( @@ | EOL )*`
}

// iniLine is a section header or a key = value pair. Section headers are
// accepted and ignored; all keys end up in one flat mapping.
type iniLine struct {
	Section  string       `  @Section`
	Property *iniProperty `| @@`
}

type iniProperty struct {
	Key    string  `@Text Assign`
	Quoted *string `( @String`
	Value  string  `| @( Text | Assign )+ )?`
}

// iniLexer tokenizes override files. Order matters: the first rule that
// matches wins.
var iniLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Comment", Pattern: `[;#][^\n]*`},
	{Name: "Section", Pattern: `\[[^\]\n]*\]`},
	{Name: "String", Pattern: `"(?:\\.|[^"\\\n])*"`},
	{Name: "Assign", Pattern: `=`},
	{Name: "EOL", Pattern: `\n`},
	{Name: "Whitespace", Pattern: `[ \t\r]+`},
	{Name: "Text", Pattern: `[^\s=;#"\[][^\n=;#"]*`},
})

var iniParser = participle.MustBuild[iniFile](
	participle.Lexer(iniLexer),
	participle.Elide("Comment", "Whitespace"),
	participle.Unquote("String"),
)

// ParseINI parses flat key = value data. Later duplicates replace the value
// of the first occurrence but keep its position. Unquoted values are
// trimmed and the boolean words are coerced the way PHP's parse_ini_file
// does: true, on and yes become "1"; false, off, no, none and null become
// "". Quoted values are kept exactly.
func ParseINI(data []byte) (*ordered.Map[string], error) {
	file, err := iniParser.ParseBytes("", data)
	if err != nil {
		return nil, err
	}

	props := ordered.New[string]()
	for _, line := range file.Lines {
		if line.Property == nil {
			continue
		}
		key := strings.TrimSpace(line.Property.Key)
		if line.Property.Quoted != nil {
			props.Set(key, *line.Property.Quoted)
			continue
		}
		props.Set(key, coerceINIValue(strings.TrimSpace(line.Property.Value)))
	}
	return props, nil
}

func coerceINIValue(v string) string {
	switch strings.ToLower(v) {
	case "true", "on", "yes":
		return "1"
	case "false", "off", "no", "none", "null":
		return ""
	}
	return v
}

// ReadINIFile parses the INI file at path. ok is false when the file does
// not exist.
func ReadINIFile(path string) (props *ordered.Map[string], ok bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, apperrors.NewIO("read", path, err)
	}

	props, err = ParseINI(data)
	if err != nil {
		return nil, false, &apperrors.ParseError{Format: "INI", Path: path, Message: err.Error(), Err: err}
	}
	return props, true, nil
}
