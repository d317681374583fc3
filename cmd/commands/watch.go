package commands

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"votechain/consensus"
	"votechain/rpc"
)

var rpcAddr string

// WatchCmd follows the event stream of a node.
var WatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream commit and reject events from a node rpc",
	RunE:  watchEvents,
}

func init() {
	WatchCmd.Flags().StringVar(&rpcAddr, "rpc", "127.0.0.1:26657", "rpc address of the node")
}

func watchEvents(cmd *cobra.Command, args []string) error {
	u := url.URL{Scheme: "ws", Host: strings.TrimPrefix(rpcAddr, "tcp://"), Path: rpc.EventsPath}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", u.String(), err)
	}
	defer conn.Close()
	pterm.Info.Printfln("Watching %s", u.String())

	for {
		_, bz, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				pterm.Info.Println("Node closed the stream")
				return nil
			}
			return err
		}
		var ev rpc.Event
		if err := jsoniter.Unmarshal(bz, &ev); err != nil {
			pterm.Error.Printfln("bad event: %v", err)
			continue
		}
		printEvent(ev)
	}
}

func printEvent(ev rpc.Event) {
	at := ev.Time.Format("15:04:05.000")
	switch ev.Type {
	case rpc.EventTypeCommit, rpc.EventTypeReject:
		var round consensus.RoundResult
		if err := jsoniter.Unmarshal(ev.Data, &round); err != nil || round.Block == nil {
			pterm.Error.Printfln("%s %s: %s", at, ev.Type, string(ev.Data))
			return
		}
		if round.Committed {
			pterm.Success.Printfln("%s commit %s vote=%s", at, round.Block.ID, round.Block.Data.Vote)
		} else {
			pterm.Warning.Printfln("%s reject %s vote=%s", at, round.Block.ID, round.Block.Data.Vote)
		}
	default:
		pterm.Info.Printfln("%s %s %s", at, ev.Type, string(ev.Data))
	}
}
