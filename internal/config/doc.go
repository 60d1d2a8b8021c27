// Package config loads the RentEscrow daemon configuration from a JSON file,
// an optional .env file next to it and RENTESCROW_* environment overrides.
package config
