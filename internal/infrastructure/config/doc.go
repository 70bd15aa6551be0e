// Package config handles loading and validating the LCN bridge configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of required fields and LCN gateway definitions
//   - Default value handling
//
// Security Considerations:
//   - Sensitive values (MQTT and PCHK passwords, tokens) should be set via
//     environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, gw := range cfg.Protocols.LCN.Gateways {
//	    fmt.Println(gw.ID, gw.Connection)
//	}
package config
