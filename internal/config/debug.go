package config

import "os"

func IsDebug() bool {
	return os.Getenv("MEMORIA_DEBUG") == "1"
}
