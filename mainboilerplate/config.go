package mainboilerplate

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jessevdk/go-flags"
)

// Version and BuildDate of the binary, set with:
//   -ldflags "-X github.com/wmib/rowshim/mainboilerplate.Version=..."
var (
	Version   = "development"
	BuildDate = "unknown"
)

// ConfigPaths returns the paths searched, in order, for an INI file
// |configName|: the current working directory, and ~/.config/rowshim under
// the user's $HOME or %UserProfile% directory.
func ConfigPaths(configName string) []string {
	var out = []string{filepath.Join(".", configName)}

	for _, env := range []string{"HOME", "UserProfile"} {
		if home := os.Getenv(env); home != "" {
			out = append(out, filepath.Join(home, ".config", "rowshim", configName))
		}
	}
	return out
}

// MustParseConfig requires that the Parser parse from the combination of an
// optional INI file found in ConfigPaths, environment bindings, and explicit
// flags of |args|. Flags override the environment, which overrides the INI.
func MustParseConfig(parser *flags.Parser, configName string, args []string) []string {
	// Allow unknown options while parsing an INI file.
	var origOptions = parser.Options
	parser.Options |= flags.IgnoreUnknown

	var iniParser = flags.NewIniParser(parser)

	for _, path := range ConfigPaths(configName) {
		if err := iniParser.ParseFile(path); err == nil {
			break
		} else if os.IsNotExist(err) {
			// Pass.
		} else {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	// Restore original options for parsing argument flags.
	parser.Options = origOptions
	return MustParseArgs(parser, args)
}

// MustParseArgs requires that Parser be able to ParseArgs without error,
// returning remaining arguments.
func MustParseArgs(parser *flags.Parser, args []string) []string {
	var rest, err = parser.ParseArgs(args)
	if err == nil {
		return rest
	}
	var flagErr, ok = err.(*flags.Error)
	if !ok {
		// An error returned by an executed command.
		Must(err, "fatal error")
	}

	switch flagErr.Type {
	case flags.ErrDuplicatedFlag, flags.ErrTag, flags.ErrInvalidTag, flags.ErrShortNameTooLong, flags.ErrMarshal:
		// A developer error in the configuration object, rather than an input error.
		panic(err)

	case flags.ErrCommandRequired, flags.ErrHelp:
		if parser.Options&flags.PrintErrors == 0 || flagErr.Type == flags.ErrCommandRequired {
			os.Stderr.WriteString("\n")
			parser.WriteHelp(os.Stderr)
		}
		fmt.Fprintf(os.Stderr, "\nVersion %s, built at %s.\n", Version, BuildDate)
		os.Exit(1)

	default:
		// go-flags has already printed a helpful message.
		os.Exit(1)
	}
	return nil
}

// AddPrintConfigCmd to the Parser. The "print-config" command writes the
// combined runtime configuration in INI format, which may be used as a
// starting point for a |configName| file.
func AddPrintConfigCmd(parser *flags.Parser, configName string) {
	_, _ = parser.AddCommand("print-config", "Print combined configuration and exit", `
print-config parses the combined configuration from `+configName+`, flags,
and environment variables, and then writes the configuration to stdout in INI format.
`, &printConfig{parser})
}

type printConfig struct {
	*flags.Parser `no-flag:"t"`
}

func (p printConfig) Execute([]string) error {
	var ini = flags.NewIniParser(p.Parser)
	ini.Write(os.Stdout, flags.IniIncludeComments|flags.IniCommentDefaults|flags.IniIncludeDefaults)
	return nil
}
