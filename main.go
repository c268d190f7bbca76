// Command sheltersync keeps the local shelter record set synchronized
// with the BBR building registry, enriching records with address data
// and pruning records that have verifiably disappeared upstream.
package main

import (
	"github.com/joho/godotenv"
)

func main() {
	// A local .env is a development convenience; the scheduled job
	// injects real environment variables and has no such file.
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		exitOnError(err)
	}
}
