// Package config handles loading and validating the Comfort Cloud bridge configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables (COMFORTCLOUD_*)
//   - Validation of required fields
//   - Default value handling
//   - Watching the file and reloading it on change (fsnotify)
//
// Security Considerations:
//   - The account password and JWT secret should be set via environment variables
//   - The config file should have restricted permissions (0600)
//   - ComfortCloudConfig redacts the password in String() and JSON output
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.ComfortCloud)
package config
