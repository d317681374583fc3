package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"votechain/client"
)

const requestTimeout = 30 * time.Second

var (
	gatewayAddr string
	voterName   string
	voteValue   string
	attackVote  bool
)

func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&gatewayAddr, "gateway", "127.0.0.1:6000", "gateway address of any node")
	cmd.Flags().StringVar(&voterName, "name", "", "voter name recorded in the block")
}

// VoteCmd casts one vote through a node gateway.
var VoteCmd = &cobra.Command{
	Use:   "vote",
	Short: "Cast a vote through a node gateway",
	RunE:  castVote,
}

// TallyCmd prints the vote count of the chain held by a node.
var TallyCmd = &cobra.Command{
	Use:   "tally",
	Short: "Print the vote tally from a node gateway",
	RunE:  printTally,
}

// AppCmd is the interactive voting client.
var AppCmd = &cobra.Command{
	Use:   "app",
	Short: "Interactive voting client",
	RunE:  runApp,
}

func init() {
	addClientFlags(VoteCmd)
	VoteCmd.Flags().StringVar(&voteValue, "vote", "", "candidate to vote for")
	VoteCmd.Flags().BoolVar(&attackVote, "attack", false, "send a block with a forged hash")
	addClientFlags(TallyCmd)
	addClientFlags(AppCmd)
}

// cmdContext 没有通过ExecuteContext启动时cobra的Context为nil
func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func dialGateway(ctx context.Context) (*client.Client, error) {
	c, err := client.Dial(ctx, gatewayAddr,
		client.WithName(voterName),
		client.WithLogger(logger.With("module", "client")))
	if err != nil {
		return nil, fmt.Errorf("connect to gateway %s: %w", gatewayAddr, err)
	}
	return c, nil
}

func castVote(cmd *cobra.Command, args []string) error {
	if voteValue == "" {
		return errors.New("--vote is required")
	}
	ctx, cancel := context.WithTimeout(cmdContext(cmd), requestTimeout)
	defer cancel()

	c, err := dialGateway(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	return sendVote(ctx, c, voteValue, attackVote)
}

func sendVote(ctx context.Context, c *client.Client, vote string, attack bool) error {
	spinner, _ := pterm.DefaultSpinner.Start("Waiting for every peer to accept the vote...")
	ok, err := c.CastVote(ctx, vote, attack)
	if err != nil {
		spinner.Fail(err.Error())
		return err
	}
	if ok {
		spinner.Success(fmt.Sprintf("Vote for %s was recorded.", vote))
	} else {
		spinner.Fail(fmt.Sprintf("Vote for %s was rejected, try again.", vote))
	}
	return nil
}

func printTally(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmdContext(cmd), requestTimeout)
	defer cancel()

	c, err := dialGateway(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	return showTally(ctx, c)
}

func showTally(ctx context.Context, c *client.Client) error {
	blocks, err := c.Tally(ctx)
	if err != nil {
		pterm.Error.Println(err)
		return err
	}
	res := client.Tally(blocks)
	if res.Empty() {
		pterm.Info.Println(res.String())
		return nil
	}

	data := pterm.TableData{{"Candidate", "Votes"}}
	for _, count := range res.Counts {
		data = append(data, []string{count.Vote, fmt.Sprint(count.Votes)})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		return err
	}
	if res.Tied {
		pterm.Info.Printfln("%s are tied", strings.Join(res.Leaders, ", "))
	} else {
		pterm.Success.Printfln("%s is in the lead", res.Leaders[0])
	}
	return nil
}

const (
	menuCast  = "Cast a vote"
	menuTally = "Tally the votes"
	menuQuit  = "Quit"
)

func runApp(cmd *cobra.Command, args []string) error {
	ctx := cmdContext(cmd)

	if voterName == "" {
		name, err := pterm.DefaultInteractiveTextInput.WithDefaultText("Your name").Show()
		if err != nil {
			return err
		}
		voterName = strings.TrimSpace(name)
	}

	dialCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	c, err := dialGateway(dialCtx)
	cancel()
	if err != nil {
		pterm.Error.Println(err)
		return err
	}
	defer c.Close()

	pterm.DefaultBox.WithTitle("votechain").Println(
		fmt.Sprintf("Voter %s\nGateway %s", pterm.LightGreen(c.Name()), gatewayAddr))

	for {
		choice, err := pterm.DefaultInteractiveSelect.
			WithOptions([]string{menuCast, menuTally, menuQuit}).
			Show()
		if err != nil {
			return err
		}

		reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		switch choice {
		case menuCast:
			err = appVote(reqCtx, c)
		case menuTally:
			err = showTally(reqCtx, c)
		case menuQuit:
			cancel()
			return nil
		}
		cancel()

		switch {
		case errors.Is(err, client.ErrPeerLeaving):
			pterm.Error.Println("The node is leaving the network, connect to another gateway.")
			return nil
		case errors.Is(err, client.ErrAlreadyVoted):
			pterm.Info.Println("You have already voted.")
		case err != nil:
			return err
		}
	}
}

func appVote(ctx context.Context, c *client.Client) error {
	vote, err := pterm.DefaultInteractiveTextInput.WithDefaultText("Candidate").Show()
	if err != nil {
		return err
	}
	vote = strings.TrimSpace(vote)
	if vote == "" {
		pterm.Error.Println("Empty vote")
		return nil
	}
	return sendVote(ctx, c, vote, false)
}
