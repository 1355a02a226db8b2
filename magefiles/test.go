//go:build mage

package main

import (
	"github.com/magefile/mage/mg"
)

type Test mg.Namespace

// Runs every test with the race detector.
func (Test) Unit() error {
	_, err := executeCmd("go", withArgs("test", "-race", "./..."), withStream())
	return err
}

// Runs the allocator tests with debug validation of every slab compiled in.
func (Test) DebugMemUtils() error {
	_, err := executeCmd("go", withArgs("test", "-tags", "debug_mem_utils", "./memutils/...", "./slab/..."), withStream())
	return err
}

// Runs the slab allocator benchmarks.
func (Test) Bench() error {
	_, err := executeCmd("go", withArgs("test", "-run", "^$", "-bench", ".", "-benchmem", "./slab/..."), withStream())
	return err
}

// Runs the unit tests and then the debug validation tests.
func (Test) All() {
	mg.SerialDeps(Test.Unit, Test.DebugMemUtils)
}
