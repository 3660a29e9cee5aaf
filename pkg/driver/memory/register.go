package memory

import (
	"context"
	"strconv"

	"github.com/fruitsalade/drivesync/pkg/driver"
)

// Options recognized by the registered factory:
//
//	root_id           root identifier
//	page_size         records per change page
//	case_insensitive  "true" folds name case
//	allow_duplicates  "true" permits same-name siblings
//	state             YAML file persisting the remote state between runs
//	fixture           YAML fixture seeding a new state
func init() {
	driver.Register("memory", func(ctx context.Context, opts map[string]string) (driver.Driver, error) {
		cfg := Config{RootID: opts["root_id"]}
		if v := opts["page_size"]; v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, err
			}
			cfg.PageSize = n
		}
		cfg.CaseInsensitive, _ = strconv.ParseBool(opts["case_insensitive"])
		cfg.AllowDuplicates, _ = strconv.ParseBool(opts["allow_duplicates"])
		return Open(cfg, opts["state"], opts["fixture"])
	})
}
