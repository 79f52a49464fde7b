// Package config handles loading and validating devicebus configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables (DEVICEBUS_SECTION_KEY)
//   - Validation of required fields and backend selections
//   - Default value handling
//
// Security Considerations:
//   - Broker and database credentials should be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Node.ID)
package config
