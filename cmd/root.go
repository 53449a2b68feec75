package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"board-sync/internal/config"
	"board-sync/internal/history"
	"board-sync/internal/transport"
	"board-sync/internal/util"
)

var rootCmd = &cobra.Command{
	Use:   "board-sync",
	Short: "MicroPython board sync tool",
	Long: `A CLI tool to upload projects to MicroPython boards over serial, raw TCP or
WebREPL, download device files, run code and open the device REPL.`,
	SilenceUsage: true,
	// commands run from the project folder even when started in a sub folder
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "init" {
			return nil
		}
		if root, ok := util.ProjectRootFromWorkingDir(config.ConfigFileName); ok {
			return os.Chdir(root)
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cwd, _ := os.Getwd()
		fmt.Printf("You are in: %s\n", cwd)

		if !config.ConfigExists() {
			fmt.Println("Config file not found")
			fmt.Println("USAGE:")
			fmt.Println("Make sure you have the config file by running.")
			fmt.Println("board-sync init")
			fmt.Println("------------------------------")
			showRecentDevicesMenu()
			return nil
		}
		cfg, err := loadConfig()
		if err != nil {
			fmt.Printf("Configuration validation failed:\n%v\n", err)
			fmt.Println("Please fix the configuration issues or run 'board-sync init' to recreate the config")
			return nil
		}
		if _, err := config.GetOrCreateLocalConfig("."); err != nil {
			fmt.Printf("Failed to initialize local config: %v\n", err)
		}

		for ctx.Err() == nil {
			if !showProjectMenu(ctx, cmd, cfg) {
				break
			}
		}
		return nil
	},
}

const defaultSyncIgnore = `# Development files
.git
.vscode
.DS_Store
Thumbs.db

# Python caches
__pycache__
*.pyc

# Temporary files
*.tmp
*.swp
*.bak
`

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize config file",
	Long:  `Generate a board-sync.yaml config file and a .sync_ignore in the current directory.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if config.ConfigExists() {
			fmt.Println("Config file already exists.")
			return nil
		}
		cwd, _ := os.Getwd()

		namePrompt := promptui.Prompt{Label: "Project name", Default: filepath.Base(cwd)}
		name, err := namePrompt.Run()
		if err != nil {
			return err
		}
		cfg := config.Default(strings.TrimSpace(name))

		address, err := chooseAddress(cfg.AutoconnectManufacturers)
		if err != nil {
			return err
		}
		cfg.Address = address
		if strings.HasPrefix(address, "ws://") {
			cfg.Transport = string(transport.KindWebREPL)
			pw := promptui.Prompt{Label: "WebREPL password", Mask: '*'}
			if cfg.Password, err = pw.Run(); err != nil {
				return err
			}
		}

		if err := cfg.Save("."); err != nil {
			return fmt.Errorf("error writing %s: %w", config.ConfigFileName, err)
		}
		fmt.Printf("Config written to %s\n", config.GetConfigPath())

		if _, err := os.Stat(".sync_ignore"); os.IsNotExist(err) {
			if err := os.WriteFile(".sync_ignore", []byte(defaultSyncIgnore), 0644); err != nil {
				fmt.Printf("Warning: Failed to create .sync_ignore file: %v\n", err)
			} else {
				fmt.Println("Created .sync_ignore file with default ignore patterns")
			}
		}
		return nil
	},
}

const (
	enterManually = "Enter address manually"
	autoDetect    = "Auto-detect on every connect"
)

// chooseAddress offers detected serial ports and recently used devices.
func chooseAddress(manufacturers []string) (string, error) {
	var items []string
	if ports, err := transport.ListPorts(manufacturers); err == nil {
		for _, p := range ports {
			items = append(items, p.Name)
		}
	}
	for _, d := range history.RecentDevices() {
		if !contains(items, d) {
			items = append(items, d)
		}
	}
	items = append(items, enterManually, autoDetect)

	sel := promptui.Select{Label: "Device address", Items: items}
	_, result, err := sel.Run()
	if err != nil {
		return "", err
	}
	switch result {
	case autoDetect:
		return "", nil
	case enterManually:
		p := promptui.Prompt{
			Label: "Address (serial port, host[:port] or ws://host:8266)",
			Validate: func(s string) error {
				if strings.TrimSpace(s) == "" {
					return fmt.Errorf("address cannot be empty")
				}
				return nil
			},
		}
		return p.Run()
	}
	return result, nil
}

func contains(items []string, s string) bool {
	for _, it := range items {
		if it == s {
			return true
		}
	}
	return false
}

func showRecentDevicesMenu() {
	devices := history.RecentDevices()
	if len(devices) == 0 {
		fmt.Println("No recent devices found.")
		return
	}

	prompt := promptui.SelectWithAdd{
		Label:    "Recent devices (type to search)",
		Items:    devices,
		AddLabel: "Search",
	}
	idx, result, err := prompt.Run()
	if err != nil {
		fmt.Printf("Prompt failed %v\n", err)
		return
	}
	if idx == -1 {
		results := history.SearchDevices(result)
		if len(results) == 0 {
			fmt.Printf("No devices found matching '%s'\n", result)
			return
		}
		searchPrompt := promptui.Select{Label: "Search results", Items: results}
		if _, result, err = searchPrompt.Run(); err != nil {
			fmt.Printf("Prompt failed %v\n", err)
			return
		}
	}

	sub := promptui.Select{
		Label: fmt.Sprintf("Selected: %s", result),
		Items: []string{"Forget device", "Back"},
	}
	if _, choice, err := sub.Run(); err == nil && choice == "Forget device" {
		history.RemoveDevice(result)
		fmt.Printf("Removed from history: %s\n", result)
	}
}

// showProjectMenu runs one menu round. It returns false when the user exits.
func showProjectMenu(ctx context.Context, cmd *cobra.Command, cfg *config.Config) bool {
	items := []string{
		"upload :: Upload project",
		"download :: Download from device",
		"watch :: Upload on save",
		"run :: Run main.py",
		"repl :: Open REPL",
		"ls :: List device files",
		"Exit",
	}
	prompt := promptui.Select{
		Label: fmt.Sprintf("%s (%s)", cfg.ProjectName, displayAddress(cfg)),
		Items: items,
	}
	_, result, err := prompt.Run()
	if err != nil || result == "Exit" {
		return false
	}

	name := strings.TrimSpace(strings.SplitN(result, "::", 2)[0])
	var args []string
	if name == "run" {
		args = []string{"main.py"}
	}
	target, _, err := cmd.Root().Find([]string{name})
	if err != nil || target.RunE == nil {
		return true
	}
	target.SetContext(ctx)
	if err := target.RunE(target, args); err != nil {
		fmt.Printf("%s failed: %v\n", name, err)
	}
	return true
}

func displayAddress(cfg *config.Config) string {
	if cfg.Address == "" {
		return "auto-detect"
	}
	return cfg.Address
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagAddress, "address", "a", "", "device address, overrides board-sync.yaml")
	rootCmd.PersistentFlags().StringVarP(&flagTransport, "transport", "t", "", "auto, serial, socket or webrepl")
	rootCmd.AddCommand(initCmd)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// ExecuteContext allows running the root command with a supplied context for cancellation.
func ExecuteContext(ctx context.Context) error {
	rootCmd.SetContext(ctx)
	return rootCmd.Execute()
}
