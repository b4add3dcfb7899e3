package main

import (
	"time"

	"github.com/spf13/viper"
)

func initViperDefaults() {
	// Completion provider
	viper.SetDefault("llm.endpoint", "https://api.openai.com")
	viper.SetDefault("llm.api_key", "")
	viper.SetDefault("llm.model", "gpt-3.5-turbo")
	viper.SetDefault("llm.temperature", 1.0)
	viper.SetDefault("llm.request_timeout", 90*time.Second)
	// USD per 1K tokens, keyed by model. Requests for models missing here fail.
	viper.SetDefault("llm.rates", map[string]string{
		"gpt-3.5-turbo": "0.002",
		"gpt-4":         "0.04",
	})

	// Conversation
	viper.SetDefault("chat.history_max_turns", 5)
	viper.SetDefault("chat.chunk_size", 2000)
	viper.SetDefault("chat.persona", "You are a helpful assistant with concise and accurate responses. The current time is {{time}}, and the person messaging you is {{name}}.")

	// Async scraping provider
	viper.SetDefault("scrape.endpoint", "https://async.scraperapi.com")
	viper.SetDefault("scrape.api_key", "")
	viper.SetDefault("scrape.poll_interval", 10*time.Second)
	viper.SetDefault("scrape.poll_max_attempts", 60)
	viper.SetDefault("scrape.poll_timeout", 15*time.Minute)

	// Search provider
	viper.SetDefault("search.endpoint", "https://api.search.brave.com")
	viper.SetDefault("search.api_key", "")
	viper.SetDefault("search.max_results", 3)

	// Discord
	viper.SetDefault("discord.max_concurrency", 3)
}
