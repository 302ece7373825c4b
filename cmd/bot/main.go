// Command bot is a teamchat bot that answers messages addressed to it,
// using an Ollama model to generate replies.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aeolun/teamchat/pkg/client"
)

// chatMessage is the conversation format sent to the model
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type ollamaResponse struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Error string `json:"error,omitempty"`
}

// OllamaClient talks to a local Ollama instance
type OllamaClient struct {
	baseURL      string
	model        string
	httpClient   *http.Client
	systemPrompt string
}

func NewOllamaClient(baseURL, model, systemPrompt string) *OllamaClient {
	return &OllamaClient{
		baseURL:      baseURL,
		model:        model,
		httpClient:   &http.Client{Timeout: 2 * time.Minute},
		systemPrompt: systemPrompt,
	}
}

func (o *OllamaClient) Complete(messages []chatMessage) (string, error) {
	if o.systemPrompt != "" && (len(messages) == 0 || messages[0].Role != "system") {
		messages = append([]chatMessage{{Role: "system", Content: o.systemPrompt}}, messages...)
	}

	reqBody, err := json.Marshal(ollamaRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   false,
	})
	if err != nil {
		return "", err
	}

	resp, err := o.httpClient.Post(o.baseURL+"/api/chat", "application/json", bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	var result ollamaResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("failed to parse ollama response: %w", err)
	}
	if result.Error != "" {
		return "", fmt.Errorf("ollama error: %s", result.Error)
	}
	return strings.TrimSpace(result.Message.Content), nil
}

func main() {
	serverURL := flag.String("server", "http://localhost:8080", "Server base URL")
	username := flag.String("username", "helper-bot", "Bot account username")
	password := flag.String("password", "", "Bot account password (registers if new)")
	ollamaURL := flag.String("ollama", "http://localhost:11434", "Ollama base URL")
	model := flag.String("model", "llama3.2", "Ollama model name")
	contextSize := flag.Int("context", 10, "Recent messages to include as context")
	flag.Parse()

	if *password == "" {
		log.Fatal("-password is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	api := client.NewAPI(*serverURL)
	me, err := api.Login(ctx, *username, *password)
	if err != nil {
		me, err = api.Register(ctx, *username, *password)
		if err != nil {
			log.Fatalf("Failed to log in or register bot account: %v", err)
		}
		log.Printf("Registered bot account %q", *username)
	}

	llm := NewOllamaClient(*ollamaURL, *model,
		fmt.Sprintf("You are %s, a helpful bot in a team chat. Keep replies short.", *username))

	bot := &bot{
		api:         api,
		llm:         llm,
		userID:      me.User.ID,
		mention:     "@" + *username,
		contextSize: *contextSize,
	}

	conn := client.NewConnection(strings.Replace(*serverURL, "http", "ws", 1)+"/ws", api.Token())
	conn.Connect()
	defer conn.Close()

	log.Printf("Bot %q online, responding to %s", *username, bot.mention)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-conn.Events():
			if !ok {
				return
			}
			if ev.Type == client.EventNewMessage {
				bot.handleMessage(ctx, ev)
			}
		}
	}
}

type bot struct {
	api         *client.API
	llm         *OllamaClient
	userID      string
	mention     string
	contextSize int
}

// handleMessage replies when the new message mentions the bot. The event
// payload is only used as a trigger; the conversation context comes from a
// refetch of the channel.
func (b *bot) handleMessage(ctx context.Context, ev client.Event) {
	var hint struct {
		UserID  string `json:"userId"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(ev.Message, &hint); err != nil {
		return
	}
	if hint.UserID == b.userID || !strings.Contains(hint.Content, b.mention) {
		return
	}

	messages, err := b.api.ListChannelMessages(ctx, ev.ChannelID)
	if err != nil {
		log.Printf("Failed to fetch channel history: %v", err)
		return
	}
	if len(messages) > b.contextSize {
		messages = messages[len(messages)-b.contextSize:]
	}

	history := make([]chatMessage, 0, len(messages))
	for _, m := range messages {
		role := "user"
		if m.UserID == b.userID {
			role = "assistant"
		}
		history = append(history, chatMessage{
			Role:    role,
			Content: fmt.Sprintf("%s: %s", m.User.Username, m.Content),
		})
	}

	reply, err := b.llm.Complete(history)
	if err != nil {
		log.Printf("LLM completion failed: %v", err)
		return
	}
	if reply == "" {
		return
	}

	if _, err := b.api.PostMessage(ctx, ev.ChannelID, reply); err != nil {
		log.Printf("Failed to post reply: %v", err)
	}
}
