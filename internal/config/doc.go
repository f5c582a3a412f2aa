// Package config loads the daemon configuration.
//
// Values are merged in order: built-in defaults, the YAML file, RUPY_*
// environment variables, then command-line flags. Keys are the same in every
// layer; nested keys use a dot in files and flags and an underscore in the
// environment, so s3.bucket is RUPY_S3_BUCKET.
//
// # Configuration File Structure
//
//	port: 8000
//	threads: 5
//	timeout: 300     # seconds, 0 disables sessions
//	delay: 5000      # milliseconds
//	host: true
//	domain: host.rupy.se
//	root: app
//	admin: 127.0.0.1:9000
//	s3:
//	  bucket: rupy-bundles
//	  region: eu-north-1
//	redis:
//	  addr: 127.0.0.1:6379
//	  channel: rupy
//
// # Usage
//
//	cfg, err := config.Load("")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	cfg.ApplyEnv(os.LookupEnv)
//	server.New(cfg.Server())
package config
