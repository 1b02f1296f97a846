package seed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"org-feedback/internal/domain"
)

// File описывает начальное состояние реестра.
type File struct {
	Organizations []Organization `yaml:"organizations"`
	Feedback      []Feedback     `yaml:"feedback"`
}

// Organization — организация с участниками и модераторами.
type Organization struct {
	Owner       string   `yaml:"owner"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Members     []string `yaml:"members"`
	Moderators  []string `yaml:"moderators"`
}

// Feedback — отзыв, который отправляется от имени Sender.
type Feedback struct {
	Org              string `yaml:"org"`
	Sender           string `yaml:"sender"`
	Receiver         string `yaml:"receiver"`
	Message          string `yaml:"message"`
	ForReceiver      string `yaml:"for_receiver"`
	ForAdmin         string `yaml:"for_admin"`
	RevealToReceiver bool   `yaml:"reveal_to_receiver"`
	RevealToAdmin    bool   `yaml:"reveal_to_admin"`
}

// Result подсчитывает применённые изменения.
type Result struct {
	Organizations int
	Members       int
	Moderators    int
	Feedback      int
}

// Load читает YAML-файл.
func Load(path string) (File, error) {
	f, err := os.Open(path)
	if err != nil {
		return File{}, fmt.Errorf("open seed: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// Decode разбирает YAML. Неизвестные поля считаются ошибкой.
func Decode(r io.Reader) (File, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var out File
	if err := dec.Decode(&out); err != nil && !errors.Is(err, io.EOF) {
		return File{}, fmt.Errorf("decode seed: %w", err)
	}
	return out, nil
}

// Apply применяет начальное состояние через writer. Уже существующие организации, участники
// и модераторы пропускаются, поэтому повторный запуск безопасен. Отзывы добавляются всегда.
func Apply(ctx context.Context, w domain.LedgerWriter, f File, logger zerolog.Logger) (Result, error) {
	var res Result
	for i, o := range f.Organizations {
		owner, err := domain.ParseAddress(o.Owner)
		if err != nil {
			return res, fmt.Errorf("organizations[%d].owner: %w", i, err)
		}
		log := logger.With().Str("org", domain.NormalizeAddress(owner)).Logger()

		_, err = w.CreateOrganization(ctx, owner, o.Name, o.Description)
		created, err := skipExisting(err)
		if err != nil {
			return res, fmt.Errorf("create %s: %w", o.Name, err)
		}
		if created {
			res.Organizations++
			log.Info().Str("name", o.Name).Msg("seed: organization created")
		}

		// Модератор обязан быть участником, поэтому его адрес тоже добавляется в участники.
		members := append(append([]string{}, o.Members...), o.Moderators...)
		for _, raw := range members {
			who, err := domain.ParseAddress(raw)
			if err != nil {
				return res, fmt.Errorf("%s member %q: %w", o.Name, raw, err)
			}
			if who == owner {
				continue
			}
			added, err := skipExisting(w.AddMember(ctx, owner, owner, who))
			if err != nil {
				return res, fmt.Errorf("%s add member %s: %w", o.Name, raw, err)
			}
			if added {
				res.Members++
			}
		}
		for _, raw := range o.Moderators {
			who, _ := domain.ParseAddress(raw)
			if who == owner {
				continue
			}
			added, err := skipExisting(w.AddModerator(ctx, owner, owner, who))
			if err != nil {
				return res, fmt.Errorf("%s add moderator %s: %w", o.Name, raw, err)
			}
			if added {
				res.Moderators++
			}
		}
	}

	for i, fb := range f.Feedback {
		in, sender, err := fb.input()
		if err != nil {
			return res, fmt.Errorf("feedback[%d]: %w", i, err)
		}
		if _, err := w.SendFeedback(ctx, sender, in); err != nil {
			return res, fmt.Errorf("feedback[%d]: %w", i, err)
		}
		res.Feedback++
	}
	logger.Info().
		Int("organizations", res.Organizations).
		Int("members", res.Members).
		Int("moderators", res.Moderators).
		Int("feedback", res.Feedback).
		Msg("seed: applied")
	return res, nil
}

func (fb Feedback) input() (domain.SendFeedbackInput, common.Address, error) {
	org, err := domain.ParseAddress(fb.Org)
	if err != nil {
		return domain.SendFeedbackInput{}, common.Address{}, fmt.Errorf("org: %w", err)
	}
	sender, err := domain.ParseAddress(fb.Sender)
	if err != nil {
		return domain.SendFeedbackInput{}, common.Address{}, fmt.Errorf("sender: %w", err)
	}
	receiver, err := domain.ParseAddress(fb.Receiver)
	if err != nil {
		return domain.SendFeedbackInput{}, common.Address{}, fmt.Errorf("receiver: %w", err)
	}
	return domain.SendFeedbackInput{
		OrgID:    org,
		Receiver: receiver,
		Messages: domain.FeedbackMessages{
			ForSender:   fb.Message,
			ForReceiver: fb.ForReceiver,
			ForAdmin:    fb.ForAdmin,
		},
		RevealToReceiver: fb.RevealToReceiver,
		RevealToAdmin:    fb.RevealToAdmin,
	}, sender, nil
}

// skipExisting превращает ошибки «уже существует» в признак пропуска.
func skipExisting(err error) (bool, error) {
	switch domain.KindOf(err) {
	case domain.KindAlreadyOwner, domain.KindAlreadyMember, domain.KindAlreadyModerator:
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
