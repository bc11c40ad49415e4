package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/centromex/vassist/internal/client"
	"github.com/centromex/vassist/internal/idgen"
	"github.com/centromex/vassist/internal/lifecycle"
	"github.com/centromex/vassist/internal/models"
)

var (
	createInput  lifecycle.NewRequest
	createCoords [4]float64
	claimName    string
	listStatus   string
	listLimit    int
)

const requestTimeout = 15 * time.Second

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a delivery request",
	Long: `Create a delivery request. An id and a 4-digit secret code are
generated when not given; share the code only with the person receiving
the item.`,
	Args: cobra.NoArgs,
	RunE: runCreate,
}

var claimCmd = &cobra.Command{
	Use:   "claim <id>",
	Short: "Claim a pending request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return mutate(cmd, func(ctx context.Context, c *client.Client) (*client.Result, error) {
			return c.Claim(ctx, args[0], claimName)
		})
	},
}

var advanceCmd = &cobra.Command{
	Use:   "advance <id> <status>",
	Short: "Move a claimed request forward (PICKED_UP, DELIVERING)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := models.ParseStatus(args[1])
		if err != nil {
			return err
		}
		return mutate(cmd, func(ctx context.Context, c *client.Client) (*client.Result, error) {
			return c.Advance(ctx, args[0], status)
		})
	},
}

var completeCmd = &cobra.Command{
	Use:   "complete <id> <code>",
	Short: "Mark a request delivered with the requester's secret code",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return mutate(cmd, func(ctx context.Context, c *client.Client) (*client.Result, error) {
			return c.Complete(ctx, args[0], args[1])
		})
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a request that is not yet delivered",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return mutate(cmd, func(ctx context.Context, c *client.Client) (*client.Result, error) {
			return c.Cancel(ctx, args[0])
		})
	},
}

var getCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()
		req, err := c.GetRequest(ctx, args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(req)
		}
		printRequest(*req)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List requests in one status, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := models.ParseStatus(listStatus)
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()
		list, err := c.ListRequests(ctx, status, listLimit)
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(list)
		}
		if len(list) == 0 {
			fmt.Printf("No %s requests.\n", status)
			return nil
		}
		for _, req := range list {
			printRequest(req)
		}
		return nil
	},
}

var requestCmds = []*cobra.Command{createCmd, claimCmd, advanceCmd, completeCmd, cancelCmd, getCmd, listCmd}

func init() {
	f := createCmd.Flags()
	f.StringVar(&createInput.ID, "id", "", "Request id (generated when empty)")
	f.StringVar(&createInput.Item, "item", "", "What to deliver")
	f.StringVar(&createInput.PickupLocation, "pickup", "", "Where to pick the item up")
	f.StringVar(&createInput.DropLocation, "drop", "", "Where to drop the item off")
	f.Float64Var(&createCoords[0], "pickup-lat", 0, "Pickup latitude")
	f.Float64Var(&createCoords[1], "pickup-lng", 0, "Pickup longitude")
	f.Float64Var(&createCoords[2], "drop-lat", 0, "Drop latitude")
	f.Float64Var(&createCoords[3], "drop-lng", 0, "Drop longitude")
	f.StringVar(&createInput.Fare, "fare", "", "Offered fare")
	f.StringVar(&createInput.DeliveryMode, "mode", "walker", "Delivery mode (walker, cyclist)")
	f.StringVar(&createInput.SecretCode, "code", "", "4-digit secret code (generated when empty)")

	claimCmd.Flags().StringVar(&claimName, "name", "", "Fulfiller name")
	_ = claimCmd.MarkFlagRequired("name")

	listCmd.Flags().StringVarP(&listStatus, "status", "s", string(models.StatusPending), "Status to list")
	listCmd.Flags().IntVarP(&listLimit, "limit", "n", lifecycle.MaxListLimit, "Maximum number of requests")
}

func runCreate(cmd *cobra.Command, args []string) error {
	in := createInput
	if in.ID == "" {
		in.ID = idgen.NewRequestID(time.Now())
	}
	if in.SecretCode == "" {
		code, err := idgen.NewSecretCode()
		if err != nil {
			return err
		}
		in.SecretCode = code
	}
	targets := []**float64{&in.PickupLat, &in.PickupLng, &in.DropLat, &in.DropLng}
	for i, name := range []string{"pickup-lat", "pickup-lng", "drop-lat", "drop-lng"} {
		if cmd.Flags().Changed(name) {
			v := createCoords[i]
			*targets[i] = &v
		}
	}

	c, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()
	res, err := c.Create(ctx, in)
	if err != nil {
		return err
	}

	if jsonOutput {
		return outputJSON(struct {
			*client.Result
			SecretCode string `json:"secret_code"`
		}{res, in.SecretCode})
	}
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	fmt.Printf("%s Created request: %s\n", green("✓"), res.ID)
	fmt.Printf("  Secret code: %s\n", yellow(in.SecretCode))
	fmt.Println("  Give the code only to the person receiving the item.")
	return nil
}

// mutate runs one state-changing call and prints its result.
func mutate(cmd *cobra.Command, call func(context.Context, *client.Client) (*client.Result, error)) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()
	res, err := call(ctx, c)
	if err != nil {
		return err
	}
	if jsonOutput {
		return outputJSON(res)
	}
	green := color.New(color.FgGreen).SprintFunc()
	fmt.Printf("%s %s\n", green("✓"), res.Message)
	fmt.Printf("  %s: %s\n", res.ID, colorStatus(res.Status))
	if res.FulfillerName != "" {
		fmt.Printf("  Fulfiller: %s\n", res.FulfillerName)
	}
	return nil
}

func newClient() (*client.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return client.New(cfg.APIURL), nil
}

func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printRequest(req models.Request) {
	fmt.Printf("%s  %s  %s\n", req.ID, colorStatus(req.Status), req.Item)
	fmt.Printf("  %s -> %s  (%s, fare %s)\n", req.PickupLocation, req.DropLocation, req.DeliveryMode, req.Fare)
	if name := req.Fulfiller(); name != "" {
		fmt.Printf("  Fulfiller: %s\n", name)
	}
}

func colorStatus(s models.RequestStatus) string {
	switch s {
	case models.StatusDelivered:
		return color.New(color.FgGreen).Sprint(s)
	case models.StatusCancelled:
		return color.New(color.FgRed).Sprint(s)
	case models.StatusPending:
		return color.New(color.FgYellow).Sprint(s)
	default:
		return color.New(color.FgCyan).Sprint(s)
	}
}
