// Package config loads environment variables into typed configuration
// structs using github.com/caarlos0/env/v11 struct tags.
//
// The first Load call reads a .env file from the working directory when
// present (github.com/joho/godotenv). Each struct type is parsed once and
// cached, so packages can call Load for their own Config without coordinating
// with main.
//
//	var cfg pg.Config
//	if err := config.Load(&cfg); err != nil {
//		return err
//	}
package config
