/*
Copyright © 2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"fmt"
	"strconv"

	"github.com/BurntSushi/toml"
	hypervisor "github.com/blacktop/go-ehyve"
	"github.com/docker/go-units"
	"github.com/spf13/pflag"
)

const (
	envMem  = "EHYVE_MEM"
	envCPUs = "EHYVE_CPUS"

	defaultMem      = "32MiB"
	defaultEntry    = 0x200000
	defaultMaxExits = 64
)

// config is the machine configuration. Values are layered: defaults, then
// the TOML file, then EHYVE_MEM/EHYVE_CPUS, then command line flags.
type config struct {
	// Mem is the guest RAM size, e.g. "64MiB" or "1g".
	Mem  string `toml:"mem"`
	CPUs int    `toml:"cpus"`
	// Entry is the guest-physical address execution starts at.
	Entry uint64 `toml:"entry"`
	// MaxExits bounds the exits handled by execute.
	MaxExits int `toml:"max_exits"`
}

func defaultConfig() config {
	return config{
		Mem:      defaultMem,
		CPUs:     1,
		Entry:    defaultEntry,
		MaxExits: defaultMaxExits,
	}
}

// loadConfig reads path (if set) and the environment over the defaults.
func loadConfig(path string, getenv func(string) string) (*config, error) {
	c := defaultConfig()
	if path != "" {
		if _, err := toml.DecodeFile(path, &c); err != nil {
			return nil, fmt.Errorf("failed to load config %s: %w", path, err)
		}
	}
	if v := getenv(envMem); v != "" {
		c.Mem = v
	}
	if v := getenv(envCPUs); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", envCPUs, v, err)
		}
		c.CPUs = n
	}
	return &c, nil
}

// machine flags shared by boot and execute
var (
	memFlag   string
	cpusFlag  int
	entryFlag uint64
)

func addMachineFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&memFlag, "mem", "m", defaultMem, "Guest memory size (env "+envMem+")")
	fs.IntVar(&cpusFlag, "cpus", 1, "Number of vCPUs (env "+envCPUs+")")
	fs.Uint64VarP(&entryFlag, "entry", "e", defaultEntry, "Guest-physical entry point")
}

// applyFlags overrides c with the flags set on the command line.
func (c *config) applyFlags(fs *pflag.FlagSet) {
	if fs.Changed("mem") {
		c.Mem = memFlag
	}
	if fs.Changed("cpus") {
		c.CPUs = cpusFlag
	}
	if fs.Changed("entry") {
		c.Entry = entryFlag
	}
}

// machine converts c into a hypervisor.Config. Zero vCPUs means one.
func (c *config) machine() (hypervisor.Config, error) {
	size, err := units.RAMInBytes(c.Mem)
	if err != nil {
		return hypervisor.Config{}, fmt.Errorf("invalid memory size %q: %w", c.Mem, err)
	}
	if size <= 0 {
		return hypervisor.Config{}, fmt.Errorf("invalid memory size %q", c.Mem)
	}
	cpus := c.CPUs
	if cpus == 0 {
		cpus = 1
	}
	if cpus < 0 || cpus > hypervisor.MaxVCPUs {
		return hypervisor.Config{}, fmt.Errorf("invalid vCPU count %d (must be 1-%d)", c.CPUs, hypervisor.MaxVCPUs)
	}
	return hypervisor.Config{MemSize: uint64(size), NumCPUs: cpus}, nil
}

// resolveConfig builds the effective configuration for cmd.
func resolveConfig(fs *pflag.FlagSet, getenv func(string) string) (*config, hypervisor.Config, error) {
	c, err := loadConfig(configFile, getenv)
	if err != nil {
		return nil, hypervisor.Config{}, err
	}
	c.applyFlags(fs)
	mc, err := c.machine()
	if err != nil {
		return nil, hypervisor.Config{}, err
	}
	return c, mc, nil
}
