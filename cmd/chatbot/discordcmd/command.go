// Package discordcmd runs the Discord front end: gateway connection,
// message filtering, and per-channel dispatch into the agent handler.
package discordcmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/somewheresy/discord-LLM-chatbot/agent"
	"github.com/somewheresy/discord-LLM-chatbot/completion"
	"github.com/somewheresy/discord-LLM-chatbot/dialog"
	"github.com/somewheresy/discord-LLM-chatbot/internal/configutil"
	"github.com/somewheresy/discord-LLM-chatbot/internal/logutil"
	"github.com/somewheresy/discord-LLM-chatbot/providers/openai"
	"github.com/somewheresy/discord-LLM-chatbot/scrape"
	"github.com/somewheresy/discord-LLM-chatbot/search"
)

type channelJob struct {
	Msg agent.Message
}

type channelWorker struct {
	Jobs chan channelJob
}

func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discord",
		Short: "Run the Discord bot",
		RunE: func(cmd *cobra.Command, args []string) error {
			token := strings.TrimSpace(configutil.FlagOrViperString(cmd, "discord-bot-token", "discord.bot_token"))
			if token == "" {
				return fmt.Errorf("missing discord.bot_token (set via --discord-bot-token or CHATBOT_DISCORD_BOT_TOKEN)")
			}

			logger, err := logutil.LoggerFromViper()
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			rates, err := ratesFromViper()
			if err != nil {
				return err
			}

			requestTimeout := viper.GetDuration("llm.request_timeout")
			if requestTimeout <= 0 {
				requestTimeout = 90 * time.Second
			}
			llmClient := openai.New(viper.GetString("llm.endpoint"), viper.GetString("llm.api_key"))
			llmClient.HTTP = &http.Client{Timeout: requestTimeout}

			meter := completion.NewMeter(llmClient, rates, logger)
			store := dialog.NewStore(viper.GetInt("chat.history_max_turns"))

			var (
				scraper *scrape.Client
				tracker *scrape.Tracker
			)
			if key := strings.TrimSpace(viper.GetString("scrape.api_key")); key != "" {
				scraper = scrape.NewClient(nil, viper.GetString("scrape.endpoint"), key)
				tracker = &scrape.Tracker{
					Client:      scraper,
					Interval:    viper.GetDuration("scrape.poll_interval"),
					MaxAttempts: viper.GetInt("scrape.poll_max_attempts"),
					Timeout:     viper.GetDuration("scrape.poll_timeout"),
					Logger:      logger,
				}
			} else {
				logger.Warn("scrape_disabled", "reason", "missing scrape.api_key")
			}

			var searcher agent.Searcher
			if key := strings.TrimSpace(viper.GetString("search.api_key")); key != "" {
				searcher = search.NewClient(nil, viper.GetString("search.endpoint"), key)
			} else {
				logger.Warn("search_disabled", "reason", "missing search.api_key")
			}

			api := newDiscordAPI(nil, "", token)

			handler, err := agent.NewHandler(agent.Config{
				DefaultModel:       viper.GetString("llm.model"),
				DefaultTemperature: viper.GetFloat64("llm.temperature"),
				ChunkSize:          viper.GetInt("chat.chunk_size"),
				PersonaTemplate:    viper.GetString("chat.persona"),
				SearchMaxResults:   viper.GetInt("search.max_results"),
			}, store, meter, submitterOrNil(scraper), tracker, searcher, api.createMessage, logger)
			if err != nil {
				return err
			}
			defer handler.CancelPending()

			maxConc := viper.GetInt("discord.max_concurrency")
			if maxConc <= 0 {
				maxConc = 3
			}
			sem := make(chan struct{}, maxConc)

			var (
				mu      sync.Mutex
				workers = make(map[string]*channelWorker)
				botUser discordUser
			)

			getOrStartWorkerLocked := func(channelID string) *channelWorker {
				if w, ok := workers[channelID]; ok && w != nil {
					return w
				}
				w := &channelWorker{Jobs: make(chan channelJob, 16)}
				workers[channelID] = w

				go func(w *channelWorker) {
					for job := range w.Jobs {
						// Global concurrency limit.
						sem <- struct{}{}
						func() {
							defer func() { <-sem }()
							handler.HandleMessage(context.Background(), job.Msg)
						}()
					}
				}(w)
				return w
			}

			onReady := func(bot discordUser) {
				mu.Lock()
				botUser = bot
				mu.Unlock()
				logger.Info("discord_ready", "bot_id", bot.ID, "bot_username", bot.Username)
			}

			onMessage := func(msg discordMessage) {
				mu.Lock()
				bot := botUser
				mu.Unlock()

				text, ok := addressedText(msg, bot)
				if !ok {
					return
				}

				senderID, senderName := "", ""
				if msg.Author != nil {
					senderID = msg.Author.ID
					senderName = msg.Author.Username
				}

				mu.Lock()
				w := getOrStartWorkerLocked(msg.ChannelID)
				mu.Unlock()

				job := channelJob{Msg: agent.Message{
					SenderID:   senderID,
					SenderName: senderName,
					ChannelID:  msg.ChannelID,
					Text:       text,
				}}
				select {
				case w.Jobs <- job:
				default:
					logger.Warn("discord_queue_full", "channel_id", msg.ChannelID)
				}
			}

			logger.Info("discord_start", "max_concurrency", maxConc)

			ctx := cmd.Context()
			for {
				g := &gateway{api: api, logger: logger}
				err := g.run(ctx, onReady, onMessage)
				if ctx.Err() != nil {
					return nil
				}
				logger.Warn("discord_gateway_error", "error", err.Error())
				time.Sleep(5 * time.Second)
			}
		},
	}

	cmd.Flags().String("discord-bot-token", "", "Discord bot token.")
	return cmd
}

// addressedText reports whether the message is for the bot and returns its
// text with the leading bot mention stripped. DMs (no guild id) always
// address the bot; guild messages must mention it.
func addressedText(msg discordMessage, bot discordUser) (string, bool) {
	if msg.Author == nil || msg.Author.Bot {
		return "", false
	}
	if bot.ID != "" && msg.Author.ID == bot.ID {
		return "", false
	}
	text := strings.TrimSpace(msg.Content)
	if msg.GuildID == "" {
		return text, text != ""
	}
	mentioned := false
	for _, u := range msg.Mentions {
		if u.ID == bot.ID {
			mentioned = true
			break
		}
	}
	if !mentioned {
		return "", false
	}
	for _, tag := range []string{"<@" + bot.ID + ">", "<@!" + bot.ID + ">"} {
		text = strings.ReplaceAll(text, tag, "")
	}
	text = strings.TrimSpace(text)
	return text, text != ""
}

// submitterOrNil keeps the handler's nil check meaningful: a typed nil
// *scrape.Client in an interface is not a nil interface.
func submitterOrNil(c *scrape.Client) agent.Submitter {
	if c == nil {
		return nil
	}
	return c
}

func ratesFromViper() (map[string]float64, error) {
	raw := viper.GetStringMapString("llm.rates")
	rates := make(map[string]float64, len(raw))
	for model, s := range raw {
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid llm.rates entry %q: %w", model, err)
		}
		rates[model] = v
	}
	return rates, nil
}
