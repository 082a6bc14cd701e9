package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tutu-network/conductor/internal/domain"
	"github.com/tutu-network/conductor/internal/infra/catalog"
)

func init() {
	appCmd.AddCommand(appRegisterCmd, appListCmd)
	rootCmd.AddCommand(appCmd)
}

var appCmd = &cobra.Command{
	Use:     "app",
	Aliases: []string{"apps"},
	Short:   "Manage applications",
}

var appRegisterCmd = &cobra.Command{
	Use:   "register FILE",
	Short: "Register the applications defined in a YAML or JSON file",
	Long: `Register applications from a file.

Example:
  id: thumbnails
  steps:
    - id: fetch
      template: {url: "https://example.com/a.png"}
    - id: resize
      delegation: random
      template:
        image: {step: fetch, path: /body}`,
	Args: cobra.ExactArgs(1),
	RunE: runAppRegister,
}

var appListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List registered applications",
	RunE:    runAppList,
}

func runAppRegister(cmd *cobra.Command, args []string) error {
	apps, err := catalog.LoadFile(args[0])
	if err != nil {
		return err
	}
	c := newAPIClient()
	for _, app := range apps {
		if err := c.call("POST", "/api/applications", app, nil); err != nil {
			return fmt.Errorf("register %s: %w", app.ID, err)
		}
		fmt.Printf("Registered %s (%d steps)\n", app.ID, len(app.Steps))
	}
	return nil
}

func runAppList(cmd *cobra.Command, args []string) error {
	var apps []domain.Application
	if err := newAPIClient().call("GET", "/api/applications", nil, &apps); err != nil {
		return err
	}
	if len(apps) == 0 {
		fmt.Println("No applications registered. Run 'conductor app register <file>' to add one.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTEPS\tNAME")
	for _, a := range apps {
		fmt.Fprintf(w, "%s\t%d\t%s\n", a.ID, len(a.Steps), a.Name)
	}
	return w.Flush()
}
