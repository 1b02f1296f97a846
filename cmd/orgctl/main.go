package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"

	"org-feedback/internal/adapters/contract"
	"org-feedback/internal/adapters/seed"
	"org-feedback/internal/app"
	"org-feedback/internal/domain"
	"org-feedback/internal/infra/config"
	"org-feedback/internal/infra/log"
	"org-feedback/internal/usecase/orgview"
)

const usage = `orgctl — операторские команды реестра OrgFeedback

  orgctl status   -org 0x.. -addr 0xA,0xB   роль и возможности адресов
  orgctl members  -org 0x.. -as 0x..        участники организации
  orgctl feedback -as 0x.. [-filter sent]   доступные отзывы
  orgctl count                              число организаций и отзывов
  orgctl orgs     -user 0x..                организации адреса
  orgctl classify "<текст ошибки>"          вид ошибки и сообщение для пользователя
  orgctl calldata <метод> [аргументы...]    calldata для подписи (addMember 0xORG 0xADDR)
  orgctl seed     -file seed.yaml           заполнить реестр (memory/postgres)
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]

	if cmd == "classify" {
		classify(os.Stdout, strings.Join(args, " "))
		return
	}
	if cmd == "calldata" {
		if err := calldata(os.Stdout, args); err != nil {
			fmt.Fprintf(os.Stderr, "orgctl calldata: %s\n", err)
			os.Exit(1)
		}
		return
	}

	cfg := config.Load()
	level := cfg.LogLevel
	if level == "" {
		level = "warn"
	}
	logger := log.NewLoggerTo(os.Stderr, cfg.AppEnv, "orgctl", level)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	backend, err := app.OpenBackend(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("orgctl: не удалось открыть реестр")
	}
	defer backend.Close()

	if err := run(ctx, os.Stdout, backend, cmd, args, logger); err != nil {
		fmt.Fprintf(os.Stderr, "orgctl %s: %s\n", cmd, describe(err))
		backend.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, out io.Writer, b *app.Backend, cmd string, args []string, logger zerolog.Logger) error {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	var (
		org    = fs.String("org", "", "адрес организации")
		addrs  = fs.String("addr", "", "адреса через запятую")
		as     = fs.String("as", "", "адрес вызывающего")
		user   = fs.String("user", "", "адрес пользователя")
		filter = fs.String("filter", "", "all|sent|received|admin")
		file   = fs.String("file", "", "путь к YAML")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}

	switch cmd {
	case "status":
		orgID, err := domain.ParseAddress(*org)
		if err != nil {
			return err
		}
		viewers, err := parseList(*addrs)
		if err != nil {
			return err
		}
		statuses, err := orgview.NewService(b.Reader).StatusMany(ctx, orgID, viewers)
		if err != nil {
			return err
		}
		printStatuses(out, statuses)
	case "members":
		orgID, err := domain.ParseAddress(*org)
		if err != nil {
			return err
		}
		caller, err := domain.ParseAddress(*as)
		if err != nil {
			return err
		}
		members, err := b.Reader.GetOrgMembers(ctx, caller, orgID)
		if err != nil {
			return err
		}
		for _, m := range members {
			fmt.Fprintln(out, m.Hex())
		}
	case "feedback":
		caller, err := domain.ParseAddress(*as)
		if err != nil {
			return err
		}
		f, err := domain.ParseFeedbackFilter(*filter)
		if err != nil {
			return err
		}
		views, err := b.Reader.GetAccessibleFeedbacks(ctx, caller)
		if err != nil {
			return err
		}
		printFeedback(out, f.Apply(views))
	case "count":
		orgs, err := b.Reader.TotalOrganizations(ctx)
		if err != nil {
			return err
		}
		fb, err := b.Reader.GetFeedbackCount(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "organizations: %d\nfeedback: %d\n", orgs, fb)
	case "orgs":
		who, err := domain.ParseAddress(*user)
		if err != nil {
			return err
		}
		orgs, err := b.Reader.GetOrganizationsByUser(ctx, who)
		if err != nil {
			return err
		}
		for _, o := range orgs {
			fmt.Fprintln(out, o.Hex())
		}
	case "seed":
		if b.Writer == nil {
			return domain.ErrReadOnly
		}
		if *file == "" {
			return errors.New("нужен -file")
		}
		f, err := seed.Load(*file)
		if err != nil {
			return err
		}
		res, err := seed.Apply(ctx, b.Writer, f, logger)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "organizations: %d\nmembers: %d\nmoderators: %d\nfeedback: %d\n",
			res.Organizations, res.Members, res.Moderators, res.Feedback)
	default:
		return fmt.Errorf("неизвестная команда %q", cmd)
	}
	return nil
}

func parseList(raw string) ([]common.Address, error) {
	var out []common.Address
	for _, part := range strings.Split(raw, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		a, err := domain.ParseAddress(part)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", part, err)
		}
		out = append(out, a)
	}
	if len(out) == 0 {
		return nil, domain.InvalidArgument("No addresses")
	}
	return out, nil
}

func printStatuses(out io.Writer, statuses []orgview.OrgStatus) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tROLE\tMEMBER\tMODERATOR\tMANAGE MEMBERS\tMANAGE MODERATORS")
	for _, st := range statuses {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%t\t%t\t%t\n", st.Viewer.Hex(), st.Role.Label(),
			st.IsMember, st.IsModerator, st.Capabilities.ManageMembers, st.Capabilities.ManageModerators)
	}
	_ = tw.Flush()
}

func printFeedback(out io.Writer, views []domain.FeedbackView) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tRELATION\tORG\tFROM\tTO\tAT\tMESSAGE")
	for _, v := range views {
		from := v.Sender.Hex()
		if domain.IsZero(v.Sender) {
			from = "anonymous"
		}
		text, _ := domain.OpenEnvelope(v.Message)
		index := "-"
		if v.Index != domain.NoIndex {
			index = strconv.FormatInt(v.Index, 10)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", index, v.Relation, v.OrgID.Hex(), from,
			v.Receiver.Hex(), v.Timestamp.UTC().Format(time.RFC3339), text)
	}
	_ = tw.Flush()
}

// classify печатает вид ошибки и сообщение, которое увидит пользователь.
func classify(out io.Writer, text string) {
	le := domain.ClassifyRevert(text)
	fmt.Fprintf(out, "kind: %s\nreason: %s\nmessage: %s\n", le.Kind, domain.RevertReason(text), domain.UserMessage(le))
}

// calldata печатает calldata изменяющего вызова для подписи кошельком и отправки через /tx.
func calldata(out io.Writer, args []string) error {
	if len(args) == 0 {
		return errors.New("method is required")
	}
	data, err := contract.PackWriteArgs(args[0], args[1:])
	if err != nil {
		return err
	}
	fmt.Fprintln(out, hexutil.Encode(data))
	return nil
}

func describe(err error) string {
	if domain.KindOf(err) != domain.KindUnknown {
		return fmt.Sprintf("%s (%s)", domain.UserMessage(err), domain.KindOf(err))
	}
	return err.Error()
}
