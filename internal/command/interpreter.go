package command

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/agrifutures/futures-engine/internal/apperr"
	"github.com/agrifutures/futures-engine/internal/engine"
	"github.com/agrifutures/futures-engine/internal/exposure"
	"github.com/agrifutures/futures-engine/internal/i18n"
	"github.com/agrifutures/futures-engine/internal/keylock"
	"github.com/agrifutures/futures-engine/internal/logger"
	"github.com/agrifutures/futures-engine/internal/metrics"
	"github.com/agrifutures/futures-engine/internal/model"
	"github.com/agrifutures/futures-engine/internal/sms"
)

// Interpreter answers inbound SMS. Messages from one phone number are
// handled one at a time.
type Interpreter struct {
	engine      *engine.Engine
	sender      sms.Sender
	log         *logger.Logger
	locks       *keylock.Locker
	sendTimeout time.Duration
}

type Option func(*Interpreter)

// WithSender makes Handle deliver every reply through s.
func WithSender(s sms.Sender) Option {
	return func(in *Interpreter) { in.sender = s }
}

func WithLogger(l *logger.Logger) Option {
	return func(in *Interpreter) { in.log = l }
}

func WithSendTimeout(d time.Duration) Option {
	return func(in *Interpreter) { in.sendTimeout = d }
}

func New(eng *engine.Engine, opts ...Option) *Interpreter {
	in := &Interpreter{
		engine:      eng,
		log:         logger.Nop(),
		locks:       keylock.New(),
		sendTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Handle computes the reply to body and sends it to phone. A send failure
// is logged and counted, never retried.
func (in *Interpreter) Handle(ctx context.Context, phone, body string) string {
	reply := in.Reply(ctx, phone, body)
	if in.sender == nil || reply == "" {
		return reply
	}
	sendCtx, cancel := context.WithTimeout(ctx, in.sendTimeout)
	defer cancel()
	if err := in.sender.Send(sendCtx, phone, reply); err != nil {
		metrics.SMSSendFailures.Inc()
		in.log.Error(in.log.WithPhone(ctx, phone), "sms reply not delivered", err)
	}
	return reply
}

// Reply computes the localized answer to one message without sending it.
func (in *Interpreter) Reply(ctx context.Context, phone, body string) string {
	phone = strings.TrimSpace(phone)
	ctx = in.log.WithPhone(ctx, phone)

	unlock := in.locks.Lock("sms:" + phone)
	defer unlock()

	cmd, perr := Parse(body)

	farmer, err := in.engine.FarmerByPhone(ctx, phone)
	if err != nil {
		lang := i18n.Detect(body)
		if !apperr.Is(err, apperr.CodeNotFound) {
			in.log.Error(ctx, "farmer lookup failed", err)
			return i18n.Render(lang, i18n.KeyServiceError, nil)
		}
		return in.unregistered(ctx, phone, lang, cmd, perr)
	}

	lang := i18n.Match(farmer.Language)
	ctx = in.log.WithFarmerID(ctx, farmer.ID)
	if perr != nil {
		var se *SyntaxError
		if errors.As(perr, &se) {
			in.count(se.Command, lang)
			return in.render(lang, se.Key, nil)
		}
		return in.render(lang, i18n.KeyInvalidCommand, nil)
	}
	in.count(cmd.Kind(), lang)

	switch c := cmd.(type) {
	case Menu:
		return in.render(lang, i18n.KeyMenu, nil)
	case PriceCheck:
		return in.price(ctx, lang, c)
	case Buy:
		return in.buy(ctx, lang, farmer, c)
	case Balance:
		return in.balance(ctx, lang, farmer)
	case Exercise:
		return in.exercise(ctx, lang, farmer, c)
	case Register:
		// Already registered; nothing to create.
		return in.render(lang, i18n.KeyMenu, nil)
	default:
		return in.render(lang, i18n.KeyInvalidCommand, nil)
	}
}

// unregistered accepts only a well-formed register command.
func (in *Interpreter) unregistered(ctx context.Context, phone, lang string, cmd Command, perr error) string {
	reg, ok := cmd.(Register)
	if perr != nil || !ok {
		in.count("unregistered", lang)
		return in.render(lang, i18n.KeyRegistrationFormat, nil)
	}
	in.count(reg.Kind(), lang)

	farmer, err := in.engine.Register(ctx, engine.RegisterInput{
		Phone:    phone,
		Name:     reg.Name,
		Location: reg.Location,
		Crop:     reg.Crop,
		FarmSize: reg.FarmSize,
		Language: lang,
	})
	switch {
	case err == nil:
		in.log.Info(in.log.WithFarmerID(ctx, farmer.ID), "farmer registered over sms")
		return in.render(lang, i18n.KeyWelcome, nil)
	case errors.Is(err, engine.ErrUnsupportedCrop):
		return in.render(lang, i18n.KeyInvalidCrop, nil)
	case apperr.Is(err, apperr.CodeValidation):
		return in.render(lang, i18n.KeyRegistrationFormat, nil)
	default:
		in.fault(ctx, "registration failed", err)
		return in.render(lang, i18n.KeyRegistrationError, nil)
	}
}

func (in *Interpreter) price(ctx context.Context, lang string, c PriceCheck) string {
	price, err := in.engine.Price(ctx, c.Crop)
	switch {
	case err == nil:
		return in.render(lang, i18n.KeyPriceCheck, map[string]string{
			"crop":  c.Crop,
			"price": price.StringFixed(2),
		})
	case apperr.Is(err, apperr.CodeNotFound):
		return in.render(lang, i18n.KeyInvalidCrop, nil)
	default:
		in.fault(ctx, "price check failed", err)
		return in.render(lang, i18n.KeyPriceError, nil)
	}
}

func (in *Interpreter) buy(ctx context.Context, lang string, farmer *model.Farmer, c Buy) string {
	contract, err := in.engine.Buy(ctx, farmer, c.Crop, c.Quantity, c.Strike)
	if err == nil {
		return in.render(lang, i18n.KeyFutureCreated, map[string]string{
			"id":           strconv.FormatInt(contract.ID, 10),
			"quantity":     contract.Quantity.String(),
			"crop":         contract.Crop,
			"strike_price": contract.StrikePrice.String(),
			"premium":      contract.Premium.StringFixed(2),
		})
	}

	cfg := in.engine.Config()
	switch {
	case errors.Is(err, engine.ErrUnsupportedCrop):
		return in.render(lang, i18n.KeyInvalidCrop, nil)
	case errors.Is(err, engine.ErrQuantityOutOfRange):
		return in.render(lang, i18n.KeyQuantityOutOfRange, map[string]string{
			"min": cfg.MinContractSize.String(),
			"max": cfg.MaxContractSize.String(),
		})
	case errors.Is(err, engine.ErrInvalidStrike), errors.Is(err, engine.ErrInvalidPrecision):
		return in.render(lang, i18n.KeyInvalidNumbers, nil)
	case errors.Is(err, exposure.ErrPerCropLimitExceeded), errors.Is(err, exposure.ErrNotionalLimitExceeded):
		return in.render(lang, i18n.KeyExposureLimit, map[string]string{"crop": c.Crop})
	case apperr.Is(err, apperr.CodeInsufficientFunds):
		return in.render(lang, i18n.KeyInsufficientFunds, nil)
	case apperr.Is(err, apperr.CodeNotFound):
		return in.render(lang, i18n.KeyNoWallet, nil)
	default:
		in.fault(ctx, "buy failed", err)
		return in.render(lang, i18n.KeyBuyError, nil)
	}
}

func (in *Interpreter) balance(ctx context.Context, lang string, farmer *model.Farmer) string {
	view, err := in.engine.Balance(ctx, farmer)
	switch {
	case err == nil:
		return in.render(lang, i18n.KeyBalanceCheck, map[string]string{
			"balance":  view.Balance.StringFixed(2),
			"currency": view.Currency,
			"active":   strconv.Itoa(view.ActiveContracts),
		})
	case apperr.Is(err, apperr.CodeNotFound):
		return in.render(lang, i18n.KeyNoWallet, nil)
	default:
		in.fault(ctx, "balance check failed", err)
		return in.render(lang, i18n.KeyBalanceError, nil)
	}
}

func (in *Interpreter) exercise(ctx context.Context, lang string, farmer *model.Farmer, c Exercise) string {
	res, err := in.engine.Exercise(ctx, farmer, c.ContractID)
	switch {
	case err == nil:
		return in.render(lang, i18n.KeyExerciseSuccess, map[string]string{
			"payout":        res.Payout.StringFixed(2),
			"quantity":      res.Contract.Quantity.String(),
			"crop":          res.Contract.Crop,
			"strike_price":  res.Contract.StrikePrice.String(),
			"current_price": res.CurrentPrice.StringFixed(2),
		})
	case apperr.Is(err, apperr.CodeNotFound), apperr.Is(err, apperr.CodeForbidden):
		return in.render(lang, i18n.KeyInvalidFuture, nil)
	case apperr.Is(err, apperr.CodeNotExercisable):
		return in.render(lang, i18n.KeyCannotExercise, nil)
	default:
		in.fault(ctx, "exercise failed", err)
		return in.render(lang, i18n.KeyExerciseError, nil)
	}
}

// render fills the template with args plus the engine-wide values every
// template may reference.
func (in *Interpreter) render(lang, key string, args map[string]string) string {
	all := map[string]string{
		"currency": in.engine.Config().Currency,
		"crops":    strings.Join(model.SupportedCrops, ", "),
	}
	for k, v := range args {
		all[k] = v
	}
	return i18n.Render(lang, key, all)
}

// fault logs an operation failure that the farmer only sees as a generic
// reply. Reconciliation errors were already logged by the engine.
func (in *Interpreter) fault(ctx context.Context, msg string, err error) {
	if apperr.Is(err, apperr.CodeReconciliation) {
		return
	}
	in.log.Error(in.log.WithField(ctx, "code", string(apperr.CodeOf(err))), msg, err)
}

func (in *Interpreter) count(command, lang string) {
	metrics.SMSCommands.WithLabelValues(command, lang).Inc()
}
