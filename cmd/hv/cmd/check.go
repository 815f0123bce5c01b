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

	hypervisor "github.com/blacktop/go-ehyve"
	"github.com/spf13/cobra"
)

var showFeatures bool

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().BoolVarP(&showFeatures, "features", "f", false, "Print the CPUID table guests will see")
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check KVM support and the host capabilities the boot path uses",
	RunE: func(cmd *cobra.Command, args []string) error {
		ok, err := hypervisor.Supported()
		if err != nil {
			fmt.Printf("kvm support: error: %v\n", err)
			return nil
		}
		fmt.Printf("kvm support: %v\n", ok)
		if !ok {
			return nil
		}

		h, err := hypervisor.Open()
		if err != nil {
			return err
		}
		defer h.Close()
		fmt.Printf("api version: %d\n", hypervisor.APIVersion)

		for _, c := range []hypervisor.Capability{hypervisor.CapSyncMMU, hypervisor.CapTSCDeadlineTimer} {
			n, err := h.CheckExtension(c)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %v\n", c, n > 0)
		}

		// Creating a VM computes the guest feature table.
		vm, err := h.NewVM(0)
		if err != nil {
			return err
		}
		defer vm.Close()

		features := vm.Features()
		fmt.Printf("cpuid leaves: %d\n", features.Len())
		if showFeatures {
			for _, e := range features.Entries() {
				fmt.Println(e)
			}
		}
		return nil
	},
}
