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
	"os"
	"path/filepath"
	"testing"

	hypervisor "github.com/blacktop/go-ehyve"
	"github.com/google/go-cmp/cmp"
	"github.com/spf13/pflag"
)

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hv.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	file := writeConfig(t, `
mem = "128MiB"
cpus = 2
entry = 0x400000
`)

	tests := []struct {
		name string
		path string
		env  map[string]string
		want config
	}{
		{
			name: "defaults",
			want: config{Mem: "32MiB", CPUs: 1, Entry: 0x200000, MaxExits: defaultMaxExits},
		},
		{
			name: "file",
			path: file,
			want: config{Mem: "128MiB", CPUs: 2, Entry: 0x400000, MaxExits: defaultMaxExits},
		},
		{
			name: "environment overrides file",
			path: file,
			env:  map[string]string{envMem: "1g", envCPUs: "4"},
			want: config{Mem: "1g", CPUs: 4, Entry: 0x400000, MaxExits: defaultMaxExits},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := loadConfig(tt.path, env(tt.env))
			if err != nil {
				t.Fatalf("loadConfig() error = %v", err)
			}
			if diff := cmp.Diff(tt.want, *got); diff != "" {
				t.Errorf("loadConfig() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLoadConfigErrors(t *testing.T) {
	if _, err := loadConfig(writeConfig(t, "mem = ["), env(nil)); err == nil {
		t.Error("loadConfig() accepted malformed TOML")
	}
	if _, err := loadConfig("", env(map[string]string{envCPUs: "two"})); err == nil {
		t.Error("loadConfig() accepted a non-numeric vCPU count")
	}
}

func TestApplyFlags(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	addMachineFlags(fs)
	if err := fs.Parse([]string{"--cpus", "3", "-e", "0x300000"}); err != nil {
		t.Fatal(err)
	}

	c := config{Mem: "64MiB", CPUs: 1, Entry: 0x200000}
	c.applyFlags(fs)
	want := config{Mem: "64MiB", CPUs: 3, Entry: 0x300000}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("applyFlags() mismatch (-want +got):\n%s", diff)
	}
}

func TestConfigMachine(t *testing.T) {
	tests := []struct {
		name    string
		c       config
		want    hypervisor.Config
		wantErr bool
	}{
		{"binary units", config{Mem: "64MiB", CPUs: 2}, hypervisor.Config{MemSize: 64 << 20, NumCPUs: 2}, false},
		{"short units", config{Mem: "1g", CPUs: 1}, hypervisor.Config{MemSize: 1 << 30, NumCPUs: 1}, false},
		{"zero cpus means one", config{Mem: "32M"}, hypervisor.Config{MemSize: 32 << 20, NumCPUs: 1}, false},
		{"bad size", config{Mem: "lots", CPUs: 1}, hypervisor.Config{}, true},
		{"zero size", config{Mem: "0", CPUs: 1}, hypervisor.Config{}, true},
		{"negative cpus", config{Mem: "32M", CPUs: -1}, hypervisor.Config{}, true},
		{"too many cpus", config{Mem: "32M", CPUs: hypervisor.MaxVCPUs + 1}, hypervisor.Config{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.c.machine()
			if (err != nil) != tt.wantErr {
				t.Fatalf("machine() error = %v, wantErr %v", err, tt.wantErr)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("machine() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
