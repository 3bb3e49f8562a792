// Package config provides the persisted station configuration.
//
// The configuration is stored in config.json under the station data
// directory and records which version of each component is active, the
// endpoints the station listens on, and the operation timeout budgets.
// It is the on-disk source of truth the component registry boots from.
//
// # Configuration File Structure
//
//	{
//	  "active_bootstrap": "v0.0.2",
//	  "active_hypervisor": "v0.0.1",
//	  "active_inference_client": "v0.1.0",
//	  "active_model": "2025-04-14-4bit",
//	  "active_cli": "v0.0.1",
//	  "inference_url": "http://localhost:20200/v1",
//	  "manifest_url": "https://depot.moondream.ai/station/md_station_manifest_ubuntu.json",
//	  "admin_port": 2020,
//	  "inference_port": 20200,
//	  "metrics_reporting": true,
//	  "device_id": "b2f0c6e2a4d84d2f",
//	  "timeouts": {
//	    "quick_seconds": 15,
//	    "standard_seconds": 60,
//	    "startup_seconds": 100,
//	    "update_seconds": 300,
//	    "recovery_seconds": 30,
//	    "settle_seconds": 5
//	  }
//	}
//
// # Usage
//
//	cfg, err := config.Load("")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	fmt.Println("Admin port:", cfg.AdminPort)
//
// A missing file is not an error: Load creates it with defaults, matching
// first-run behavior.
package config
