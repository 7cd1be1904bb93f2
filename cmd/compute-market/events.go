package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lagrangedao/go-compute-market/constants"
	"github.com/lagrangedao/go-compute-market/internal/models"
	"github.com/lagrangedao/go-compute-market/util"
	"github.com/urfave/cli/v2"
)

var eventsCmd = &cli.Command{
	Name:  "events",
	Usage: "Follow market events",
	Subcommands: []*cli.Command{
		eventsWatch,
	},
}

var eventsWatch = &cli.Command{
	Name:  "watch",
	Usage: "Print events as they happen",
	Flags: []cli.Flag{
		&cli.StringSliceFlag{Name: "type", Usage: "event type to follow, e.g. task.completed (repeatable)"},
		&cli.StringFlag{Name: "task", Usage: "only events of this task"},
		&cli.BoolFlag{Name: "json", Usage: "print raw json lines"},
	},
	Action: func(cctx *cli.Context) error {
		u, err := url.Parse(strings.TrimRight(cctx.String(FlagAPI), "/") + constants.API_BASE_PATH + "/events")
		if err != nil {
			return err
		}
		switch u.Scheme {
		case "https":
			u.Scheme = "wss"
		default:
			u.Scheme = "ws"
		}
		q := u.Query()
		for _, t := range cctx.StringSlice("type") {
			q.Add("type", t)
		}
		if task := cctx.String("task"); task != "" {
			q.Set("task_id", task)
		}
		u.RawQuery = q.Encode()

		conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
		if err != nil {
			return fmt.Errorf("connect event stream failed, error: %w", err)
		}
		defer conn.Close()

		ctx := util.ReqContext()
		go func() {
			<-ctx.Done()
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			conn.Close()
		}()

		raw := cctx.Bool("json")
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					return nil
				}
				return err
			}
			if raw {
				fmt.Println(string(data))
				continue
			}
			var ev models.Event
			if err := json.Unmarshal(data, &ev); err != nil {
				return err
			}
			fmt.Println(formatEvent(ev))
		}
	},
}

func formatEvent(ev models.Event) string {
	parts := []string{ev.At.Local().Format(time.DateTime), string(ev.Type)}
	if ev.TaskID != "" {
		parts = append(parts, "task="+ev.TaskID)
	}
	if ev.ReservationID != "" {
		parts = append(parts, "reservation="+ev.ReservationID)
	}
	if ev.ResourceID != "" {
		parts = append(parts, "resource="+ev.ResourceID)
	}
	if ev.ErrorKind != "" {
		parts = append(parts, "error="+string(ev.ErrorKind))
	}
	if ev.Message != "" {
		parts = append(parts, fmt.Sprintf("%q", ev.Message))
	}
	return strings.Join(parts, " ")
}
