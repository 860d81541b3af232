package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

const licenseText = `usbipd-win is licensed under the GNU General Public License v2.0 only.
See https://www.gnu.org/licenses/old-licenses/gpl-2.0.html for the full text.`

var licenseCmd = &cobra.Command{
	Use:   "license",
	Short: "Print license information",
	RunE: func(cmd *cobra.Command, _ []string) error {
		fmt.Fprintln(cmd.OutOrStdout(), licenseText)
		return nil
	},
}
