package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"triplog/internal/core"
	"triplog/internal/transports/common"
)

const commandTimeout = 5 * time.Second

// Session — поднятое приложение на время одной команды.
type Session struct {
	Service *common.Service
	// Operator — субъект из конфига, если не задан --as.
	Operator string
	Serve    func(ctx context.Context) error
	Close    func() error
}

// Deps собирает зависимости CLI.
type Deps struct {
	Version string
	// Open вызывается лениво: version работает без хранилища.
	Open func(ctx context.Context, configPath string) (*Session, error)
}

type runner struct {
	deps       Deps
	configPath string
	operator   string
}

// New создает корневую CLI-команду.
func New(deps Deps) *cobra.Command {
	r := &runner{deps: deps}
	root := &cobra.Command{
		Use:           "triplog",
		Short:         "Журнал поездок служебного автомобиля",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVarP(&r.configPath, "config", "c", "", "путь к YAML-конфигу")
	root.PersistentFlags().StringVar(&r.operator, "as", "", "субъект оператора (по умолчанию из конфига)")

	root.AddCommand(newVersionCmd(deps.Version))
	root.AddCommand(r.newServeCmd())
	root.AddCommand(r.newTripCmd())
	root.AddCommand(r.newSyncCmd())
	root.AddCommand(r.newDeviceCmd())
	root.AddCommand(r.newExecCmd())
	return root
}

func newVersionCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Показать версию",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", version)
		},
	}
}

func (r *runner) newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Запустить агент: опрос геолокации, web API, репликацию",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			sess, err := r.open(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()
			if sess.Serve == nil {
				return fmt.Errorf("serve is not available")
			}
			err = sess.Serve(ctx)
			if err == context.Canceled {
				return nil
			}
			return err
		},
	}
}

func (r *runner) newTripCmd() *cobra.Command {
	trip := &cobra.Command{
		Use:   "trip",
		Short: "Управление поездками",
	}

	var user string
	start := &cobra.Command{
		Use:   "start <plate> <description...>",
		Short: "Зарегистрировать выезд",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.withService(cmd, func(ctx context.Context, svc *common.Service, subject string) (core.Response, error) {
				driver := user
				if driver == "" {
					driver = subject
				}
				return svc.Execute(ctx, subject, "trip", "start", append([]string{args[0], driver}, args[1:]...))
			})
		},
	}
	start.Flags().StringVar(&user, "user", "", "идентификатор водителя (по умолчанию оператор)")

	var status string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "Показать поездки, новые первыми",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var cmdArgs []string
			if status != "" {
				cmdArgs = append(cmdArgs, status)
			}
			if limit > 0 {
				cmdArgs = append(cmdArgs, strconv.Itoa(limit))
			}
			return r.run(cmd, "trip", "list", cmdArgs)
		},
	}
	list.Flags().StringVar(&status, "status", "", "departure|arrival")
	list.Flags().IntVar(&limit, "limit", 0, "максимум записей")

	trip.AddCommand(start, list)
	trip.AddCommand(r.idCmd("trip", "arrive", "Зарегистрировать прибытие"))
	trip.AddCommand(r.idCmd("trip", "cancel", "Отменить открытую поездку"))
	trip.AddCommand(r.idCmd("trip", "show", "Показать поездку"))
	trip.AddCommand(r.simpleCmd("trip", "current", "Открытая поездка и текущая позиция"))
	trip.AddCommand(r.simpleCmd("trip", "flush", "Перенести накопленные точки в поездку"))
	trip.AddCommand(r.simpleCmd("trip", "resume", "Возобновить опрос для открытой поездки"))
	return trip
}

func (r *runner) newSyncCmd() *cobra.Command {
	sync := &cobra.Command{
		Use:   "sync",
		Short: "Маркер синхронизации",
	}
	sync.AddCommand(r.simpleCmd("sync", "status", "Показать несинхронизированные поездки"))
	sync.AddCommand(&cobra.Command{
		Use:   "confirm <RFC3339|epoch_ms>",
		Short: "Подтвердить синхронизацию на момент времени",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.run(cmd, "sync", "confirm", args)
		},
	})
	return sync
}

func (r *runner) newDeviceCmd() *cobra.Command {
	dev := &cobra.Command{
		Use:   "device",
		Short: "Состояние устройства",
	}
	dev.AddCommand(r.simpleCmd("device", "status", "Показать состояние устройства"))
	dev.AddCommand(r.simpleCmd("device", "sampler", "Показать состояние опроса"))
	return dev
}

func (r *runner) newExecCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exec \"/module command args...\"",
		Short: "Выполнить произвольную команду модуля",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.withService(cmd, func(ctx context.Context, svc *common.Service, subject string) (core.Response, error) {
				return svc.ExecuteText(ctx, subject, strings.Join(args, " "))
			})
		},
	}
}

func (r *runner) idCmd(module, command, short string) *cobra.Command {
	return &cobra.Command{
		Use:   command + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.run(cmd, module, command, args)
		},
	}
}

func (r *runner) simpleCmd(module, command, short string) *cobra.Command {
	return &cobra.Command{
		Use:   command,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.run(cmd, module, command, nil)
		},
	}
}

func (r *runner) run(cmd *cobra.Command, module, command string, args []string) error {
	return r.withService(cmd, func(ctx context.Context, svc *common.Service, subject string) (core.Response, error) {
		return svc.Execute(ctx, subject, module, command, args)
	})
}

// withService открывает приложение, выполняет команду и печатает ответ JSON.
// Ответ печатается и при ошибке: в нем код ошибки и, возможно, данные.
func (r *runner) withService(cmd *cobra.Command, fn func(ctx context.Context, svc *common.Service, subject string) (core.Response, error)) error {
	base := commandContext(cmd)
	sess, err := r.open(base)
	if err != nil {
		return err
	}
	defer func() { _ = sess.Close() }()

	ctx, cancel := context.WithTimeout(base, commandTimeout)
	defer cancel()

	subject := r.operator
	if subject == "" {
		subject = sess.Operator
	}
	resp, execErr := fn(ctx, sess.Service, subject)
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp); err != nil {
		return err
	}
	return execErr
}

func (r *runner) open(ctx context.Context) (*Session, error) {
	if r.deps.Open == nil {
		return nil, fmt.Errorf("application is not configured")
	}
	sess, err := r.deps.Open(ctx, r.configPath)
	if err != nil {
		return nil, err
	}
	if sess.Close == nil {
		sess.Close = func() error { return nil }
	}
	return sess, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
