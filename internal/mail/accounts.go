package mail

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rendis/maildigest/pkg/schema"
)

// Account is one mailbox the digest reads from.
type Account struct {
	// Label is attached to every message fetched from this mailbox.
	Label       string `yaml:"label"`
	TokenFile   string `yaml:"token_file"`
	TokenBase64 string `yaml:"token_base64,omitempty"`
	// Query is appended to the time filter, e.g. "-category:promotions".
	Query string `yaml:"query,omitempty"`
}

type accountsFile struct {
	Accounts []Account `yaml:"accounts"`
}

// LoadAccounts reads a yaml file of the form
//
//	accounts:
//	  - label: personal
//	    token_file: credentials/token_personal.json
func LoadAccounts(path string) ([]Account, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "read accounts file: %s", err.Error()).WithCause(err)
	}
	var f accountsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse accounts file: %s", err.Error()).WithCause(err)
	}
	if len(f.Accounts) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "accounts file %s lists no accounts", path)
	}
	seen := make(map[string]bool, len(f.Accounts))
	for i, a := range f.Accounts {
		if a.Label == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "account %d has no label", i)
		}
		if seen[a.Label] {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate account label %q", a.Label)
		}
		if a.TokenFile == "" && a.TokenBase64 == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "account %q needs token_file or token_base64", a.Label)
		}
		seen[a.Label] = true
	}
	return f.Accounts, nil
}
