//go:build mage

package main

import (
	"os"

	"github.com/magefile/mage/mg"
)

type Run mg.Namespace

// Replays the default workload against the simulated device and prints statistics.
func (Run) Stat() error {
	_, err := executeCmd("go", withArgs("run", "./cmd/ravkstat", "-detailed"), withStream())
	return err
}

// Replays the workload with the configuration named by RAVA_CONFIG, or rava.toml.
func (Run) StatConfig() error {
	path := os.Getenv("RAVA_CONFIG")
	if path == "" {
		path = "rava.toml"
	}

	_, err := executeCmd("go", withArgs("run", "./cmd/ravkstat", "-config", path, "-v"), withStream())
	return err
}
