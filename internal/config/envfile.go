package config

import (
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

const envFileHeader = "# pytest-orch environment variables\n# Passed to every test run; edit as needed\n\n"

// LoadEnvFile reads KEY=VALUE pairs from a dotenv file. A missing file
// yields an empty map.
func LoadEnvFile(path string) (map[string]string, error) {
	if path == "" {
		return map[string]string{}, nil
	}
	env, err := godotenv.Read(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	return env, nil
}

// SaveEnvFile writes env as a dotenv file with sorted, quoted values
func SaveEnvFile(path string, env map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	body, err := godotenv.Marshal(env)
	if err != nil {
		return err
	}
	if body != "" {
		body += "\n"
	}
	return os.WriteFile(path, []byte(envFileHeader+body), 0600)
}

// SetEnvVar updates or adds one variable in the file
func SetEnvVar(path, key, value string) error {
	env, err := LoadEnvFile(path)
	if err != nil {
		return err
	}
	env[key] = value
	return SaveEnvFile(path, env)
}

// UnsetEnvVar removes one variable from the file
func UnsetEnvVar(path, key string) error {
	env, err := LoadEnvFile(path)
	if err != nil {
		return err
	}
	delete(env, key)
	return SaveEnvFile(path, env)
}
