package configuration

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
)

// GodotenvProvider reads .env files with the godotenv framework. Later files
// override earlier ones; keys outside the GOVOL_ namespace are dropped.
type GodotenvProvider struct{}

// Read reads the files into one map (map[key]value).
func (*GodotenvProvider) Read(filenames ...string) (map[string]string, error) {
	envMap := make(map[string]string)

	for _, name := range filenames {
		data, err := godotenv.Read(name)
		if err != nil {
			return nil, fmt.Errorf("(config-godotenv) %s: %w", name, err)
		}

		for key, value := range data {
			if strings.HasPrefix(key, EnvPrefix+"_") {
				envMap[key] = value
			}
		}
	}

	return envMap, nil
}
