package discordcmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type discordAPI struct {
	http    *http.Client
	baseURL string
	token   string
}

func newDiscordAPI(httpClient *http.Client, baseURL, token string) *discordAPI {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	baseURL = strings.TrimSpace(strings.TrimRight(baseURL, "/"))
	if baseURL == "" {
		baseURL = "https://discord.com/api/v10"
	}
	return &discordAPI{
		http:    httpClient,
		baseURL: baseURL,
		token:   strings.TrimSpace(token),
	}
}

type discordUser struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
	Bot      bool   `json:"bot,omitempty"`
}

type discordMessage struct {
	ID        string        `json:"id"`
	ChannelID string        `json:"channel_id"`
	GuildID   string        `json:"guild_id,omitempty"`
	Content   string        `json:"content"`
	Author    *discordUser  `json:"author,omitempty"`
	Mentions  []discordUser `json:"mentions,omitempty"`
}

type createMessageRequest struct {
	Content string `json:"content"`
}

func (api *discordAPI) createMessage(ctx context.Context, channelID, content string) error {
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return fmt.Errorf("discord channel id is required")
	}
	b, err := json.Marshal(createMessageRequest{Content: content})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/channels/%s/messages", api.baseURL, channelID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bot "+api.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := api.http.Do(req)
	if err != nil {
		return err
	}
	raw, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("discord http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return nil
}

type gatewayBotResponse struct {
	URL string `json:"url"`
}

func (api *discordAPI) gatewayURL(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, api.baseURL+"/gateway/bot", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bot "+api.token)

	resp, err := api.http.Do(req)
	if err != nil {
		return "", err
	}
	raw, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("discord http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var out gatewayBotResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.URL) == "" {
		return "", fmt.Errorf("discord gateway/bot returned empty url")
	}
	return out.URL, nil
}
