package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/lagrangedao/go-compute-market/internal/api"
	"github.com/lagrangedao/go-compute-market/internal/models"
	"github.com/urfave/cli/v2"
)

var taskCmd = &cli.Command{
	Name:  "task",
	Usage: "Manage market tasks",
	Subcommands: []*cli.Command{
		taskSubmit,
		taskList,
		taskDetail,
		taskCancel,
	},
}

var taskSubmit = &cli.Command{
	Name:      "submit",
	Usage:     "Submit a task",
	ArgsUsage: "[description]",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "gpu", Usage: "required gpu count", Required: true},
		&cli.StringFlag{Name: "owner", Usage: "paying account", Required: true},
		&cli.IntFlag{Name: "hours", Usage: "rental duration in hours", Value: 1},
	},
	Action: func(cctx *cli.Context) error {
		req := api.SubmitTaskReq{
			Description:   cctx.Args().First(),
			RequiredGpu:   cctx.Int("gpu"),
			Owner:         cctx.String("owner"),
			DurationHours: cctx.Int("hours"),
		}
		var out api.CreatedResp
		if err := newClient(cctx).call(http.MethodPost, "/tasks", req, &out); err != nil {
			return fmt.Errorf("submit task failed, error: %w", err)
		}
		fmt.Println(out.ID)
		return nil
	},
}

var taskList = &cli.Command{
	Name:  "list",
	Usage: "List tasks",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "status", Usage: "only tasks in this status, e.g. pending"},
		&cli.BoolFlag{
			Name:    "verbose",
			Usage:   "show owner, attempts and last error",
			Aliases: []string{"v"},
		},
	},
	Action: func(cctx *cli.Context) error {
		path := "/tasks"
		if s := cctx.String("status"); s != "" {
			path += "?status=" + url.QueryEscape(s)
		}
		var tasks []models.Task
		if err := newClient(cctx).call(http.MethodGet, path, nil, &tasks); err != nil {
			return fmt.Errorf("list tasks failed, error: %w", err)
		}

		verbose := cctx.Bool("verbose")
		var taskData [][]string
		var rowColorList []RowColor
		for i, t := range tasks {
			row := []string{t.ID, strconv.Itoa(t.RequiredGpu), strconv.Itoa(t.DurationHours), string(t.Status), t.CreatedAt.Local().Format(time.DateTime)}
			if verbose {
				row = append(row, t.Owner, strconv.Itoa(t.Attempts), t.ReservationID, t.LastError)
			}
			taskData = append(taskData, row)
			if rc, ok := statusColor(i, 3, string(t.Status)); ok {
				rowColorList = append(rowColorList, rc)
			}
		}

		header := []string{"TASK ID", "GPU", "HOURS", "STATUS", "CREATED"}
		if verbose {
			header = append(header, "OWNER", "REQUEUES", "RESERVATION", "LAST ERROR")
		}
		NewVisualTable(header, taskData, rowColorList).Generate()
		return nil
	},
}

var taskDetail = &cli.Command{
	Name:      "get",
	Usage:     "Show a task and its settlement",
	ArgsUsage: "[task_id]",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return fmt.Errorf("incorrect number of arguments, got %d", cctx.NArg())
		}
		client := newClient(cctx)
		var t models.Task
		if err := client.call(http.MethodGet, "/tasks/"+cctx.Args().First(), nil, &t); err != nil {
			return fmt.Errorf("get task failed, error: %w", err)
		}

		data := [][]string{
			{"ID", t.ID},
			{"DESCRIPTION", t.Description},
			{"OWNER", t.Owner},
			{"GPU", strconv.Itoa(t.RequiredGpu)},
			{"HOURS", strconv.Itoa(t.DurationHours)},
			{"STATUS", string(t.Status)},
			{"REQUEUES", strconv.Itoa(t.Attempts)},
			{"RESERVATION", t.ReservationID},
			{"FAILURE", string(t.FailureKind)},
			{"LAST ERROR", t.LastError},
		}
		var rowColors []RowColor
		if rc, ok := statusColor(5, 1, string(t.Status)); ok {
			rowColors = append(rowColors, rc)
		}
		if t.ReservationID != "" {
			var rec models.SettlementRecord
			if err := client.call(http.MethodGet, "/settlements/"+t.ReservationID, nil, &rec); err == nil {
				data = append(data,
					[]string{"SETTLEMENT", string(rec.State)},
					[]string{"AMOUNT", strconv.FormatInt(rec.Amount, 10)},
					[]string{"TX", rec.ExternalTxRef})
			}
		}
		NewVisualTable([]string{"FIELD", "VALUE"}, data, rowColors).Generate()
		return nil
	},
}

var taskCancel = &cli.Command{
	Name:      "cancel",
	Usage:     "Cancel a task that has not started paying",
	ArgsUsage: "[task_id]",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "owner", Usage: "owner of the task", Required: true},
	},
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return fmt.Errorf("incorrect number of arguments, got %d", cctx.NArg())
		}
		path := "/tasks/" + cctx.Args().First() + "?owner=" + url.QueryEscape(cctx.String("owner"))
		var t models.Task
		if err := newClient(cctx).call(http.MethodDelete, path, nil, &t); err != nil {
			return fmt.Errorf("cancel task failed, error: %w", err)
		}
		fmt.Printf("task %s is %s\n", t.ID, t.Status)
		return nil
	},
}
