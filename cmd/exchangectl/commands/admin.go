package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/danmuck/exchange/internal/protocol/session"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

type adminTarget struct {
	addr    string
	token   string
	timeout time.Duration
}

func (a *adminTarget) call(cmd *cobra.Command, req session.AdminRequest) error {
	req.Token = a.token
	resp, err := session.CallAdmin(cmd.Context(), a.addr, a.timeout, req)
	if err != nil {
		return err
	}
	return printAdminResponse(cmd.OutOrStdout(), req.Action, resp)
}

func printAdminResponse(w io.Writer, action string, resp session.AdminResponse) error {
	if !resp.OK {
		return fmt.Errorf("%s failed (code %d): %s", action, resp.Code, resp.Error)
	}
	fmt.Fprintln(w, color.GreenString("%s ok", action))
	if len(resp.Data) == 0 {
		return nil
	}
	var out bytes.Buffer
	if err := json.Indent(&out, resp.Data, "", "  "); err != nil {
		return err
	}
	out.WriteByte('\n')
	_, err := out.WriteTo(w)
	return err
}

func adminCmd() *cobra.Command {
	target := &adminTarget{}
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Call a controller or node admin endpoint",
	}
	cmd.PersistentFlags().StringVar(&target.addr, "addr", os.Getenv("EXCHANGE_ADMIN_ADDR"), "admin endpoint host:port")
	cmd.PersistentFlags().StringVar(&target.token, "token", os.Getenv("EXCHANGE_ADMIN_TOKEN"), "admin token")
	cmd.PersistentFlags().DurationVar(&target.timeout, "timeout", 5*time.Second, "call timeout")

	nodes := &cobra.Command{
		Use:   "nodes",
		Short: "List nodes registered with the controller",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return target.call(cmd, session.AdminRequest{Action: session.ActionNodesSnapshot})
		},
	}
	placements := &cobra.Command{
		Use:   "placements",
		Short: "List sticky session placements held by the controller",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return target.call(cmd, session.AdminRequest{Action: session.ActionPlacementsSnapshot})
		},
	}
	invalidate := &cobra.Command{
		Use:   "invalidate <fingerprint>",
		Short: "Remove an identity from every session on every node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return target.call(cmd, session.AdminRequest{Action: session.ActionIdentityInvalidate, Fingerprint: args[0]})
		},
	}
	revoke := &cobra.Command{
		Use:   "revoke <session-key> <fingerprint>",
		Short: "Remove one credential from a placed session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return target.call(cmd, session.AdminRequest{
				Action:      session.ActionCredentialRevoke,
				SessionKey:  args[0],
				Fingerprint: args[1],
			})
		},
	}
	status := &cobra.Command{
		Use:   "status",
		Short: "Show a node's registries and controller links",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return target.call(cmd, session.AdminRequest{Action: session.ActionStatus})
		},
	}

	cmd.AddCommand(nodes, placements, invalidate, revoke, status)
	return cmd
}
