package supervisor

import (
	"sort"

	"github.com/joho/godotenv"

	perrors "github.com/turtacn/Phoenix/pkg/errors"
)

// LoadEnvFile reads a dotenv file into sorted KEY=VALUE pairs. An empty path
// yields nothing.
func LoadEnvFile(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	vars, err := godotenv.Read(path)
	if err != nil {
		return nil, perrors.New(perrors.ErrCodeConfigInvalid, "LoadEnvFile", "cannot read worker env file "+path, err)
	}

	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+vars[k])
	}
	return out, nil
}

// Personal.AI order the ending
