package gateway

import (
	"context"
	"fmt"
	"log"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Bot is the part of tgbotapi.BotAPI the gateway uses.
type Bot interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	StopReceivingUpdates()
}

type TelegramGateway struct {
	Bot      Bot
	Commands *Commands
}

func NewTelegramGateway(token string, commands *Commands) (*TelegramGateway, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}

	log.Printf("[Telegram] authorized on account %s", bot.Self.UserName)

	return &TelegramGateway{Bot: bot, Commands: commands}, nil
}

// Start reads updates until ctx is done or Stop is called.
func (tg *TelegramGateway) Start(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := tg.Bot.GetUpdatesChan(u)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			tg.handle(ctx, update)
		}
	}
}

func (tg *TelegramGateway) handle(ctx context.Context, update tgbotapi.Update) {
	if update.Message == nil {
		return
	}
	from := ""
	if update.Message.From != nil {
		from = update.Message.From.UserName
	}
	log.Printf("[Telegram] [%s] %s", from, update.Message.Text)

	chatID := strconv.FormatInt(update.Message.Chat.ID, 10)
	reply := tg.Commands.Handle(ctx, chatID, update.Message.Text)
	if _, err := tg.Bot.Send(tgbotapi.NewMessage(update.Message.Chat.ID, reply)); err != nil {
		log.Printf("[Telegram] reply to %s: %v", chatID, err)
	}
}

func (tg *TelegramGateway) Send(chatID string, text string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil || id == 0 {
		return fmt.Errorf("invalid chat ID: %s", chatID)
	}

	_, err = tg.Bot.Send(tgbotapi.NewMessage(id, text))
	return err
}

func (tg *TelegramGateway) Stop() error {
	tg.Bot.StopReceivingUpdates()
	return nil
}
