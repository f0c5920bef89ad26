package env

import (
	"os"

	"github.com/gofiber/fiber/v2/log"
	"github.com/joho/godotenv"
)

// FileVar names an explicit .env path that overrides the search list.
const FileVar = "KOGFLOW_ENV_FILE"

// Env holds the values read from the .env file. Process variables are not
// copied in; GetEnv falls back to them.
var Env = map[string]string{}

// searchPaths covers the repo root when started from cmd/<binary>.
var searchPaths = []string{".env", "../../.env", "../../../.env"}

func GetEnv(key, def string) string {
	if val, ok := Env[key]; ok {
		return val
	}
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

// SetupEnvFile loads the first readable .env file. A missing file is fine in
// containers where everything comes from the process environment.
func SetupEnvFile() {
	paths := searchPaths
	if explicit := os.Getenv(FileVar); explicit != "" {
		paths = []string{explicit}
	}

	for _, path := range paths {
		values, err := godotenv.Read(path)
		if err != nil {
			continue
		}
		Env = values
		log.Infof("[Env] Loaded %d values from %s", len(values), path)
		return
	}

	Env = map[string]string{}
	log.Warn("[Env] No .env file found, using process environment only")
}
