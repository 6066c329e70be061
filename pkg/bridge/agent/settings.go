package agent

import (
	"fmt"
	"strings"
)

const (
	LanguageEnglish = "en"
	LanguageSpanish = "es"

	SwitchLanguageFunction = "switch_language"
)

// SupportedLanguage reports whether the bridge can run the agent in the given
// language. The set is closed: the switch_language function schema advertises
// exactly these values.
func SupportedLanguage(lang string) bool {
	switch lang {
	case LanguageEnglish, LanguageSpanish:
		return true
	}
	return false
}

var voiceModels = map[string]string{
	LanguageEnglish: "aura-2-thalia-en",
	LanguageSpanish: "aura-2-celeste-es",
}

var greetings = map[string]string{
	LanguageEnglish: "Hi, this is Avery, a virtual agent with Essex Mortgage calling on a recorded line.",
	LanguageSpanish: "Hola, soy Avery, un agente virtual de Essex Mortgage en una línea grabada.",
}

var prompts = map[string]string{
	LanguageEnglish: `You are Avery, a virtual collections agent with Essex Mortgage, calling customers on a recorded line.
Your goal is to verify identity and assist with mortgage account status or payment options.
You are always the caller and you lead the conversation.

When the customer says anything related to changing language, call the switch_language function before responding.
Even if they only ask whether you can speak Spanish, call the function.

Call flow, in strict order: greet and introduce yourself, state the reason for the call,
verify the customer's name, date of birth, and the address on file, then proceed with payment support.

After verification: if they already paid, acknowledge and say you will check the system.
If they express financial hardship, offer assistance options.
If they ask for a human agent, say you are transferring them to a Level 2 agent.

Stay concise, professional, and empathetic. Do not discuss payment details until verification is complete.
All responses must be plain spoken text. Never use markdown or formatting symbols.`,
	LanguageSpanish: `Eres Avery, un agente virtual de cobros de Essex Mortgage, llamando a clientes en una línea grabada.
Tu objetivo es verificar la identidad y ayudar con el estado de la cuenta hipotecaria u opciones de pago.
Tú siempre eres quien llama y lideras la conversación.

Cuando el cliente diga cualquier cosa relacionada con cambiar de idioma, llama a la función switch_language antes de responder.

Flujo de llamada, en orden estricto: saluda y preséntate, indica el motivo de la llamada,
verifica el nombre del cliente, la fecha de nacimiento y la dirección registrada, y luego continúa con el soporte de pago.

Después de la verificación: si ya pagaron, reconócelo y di que verificarás el sistema.
Si expresan dificultades financieras, ofrece opciones de asistencia.
Si piden un agente humano, di que los transfieres a un agente de Nivel 2.

Sé conciso, profesional y empático. No discutas detalles de pago hasta completar la verificación.
Todas las respuestas deben ser texto hablado plano, sin markdown ni símbolos de formato. Usa la forma formal "usted".`,
}

// The passive prompt turns the agent service into a pure STT/TTS conduit:
// every utterance the caller hears is injected by the conversation state
// machine through InjectAgentMessage.
const passivePrompt = `You are a silent proxy agent with no conversational role.
Never generate your own responses and never speak unless told via InjectAgentMessage.
When you receive InjectAgentMessage, speak exactly what is provided, nothing more, nothing less.
Do not acknowledge, confirm, or respond to anything the user says on your own.`

// Message is one turn of conversational context replayed into a fresh agent
// session after a reconnect.
type Message struct {
	Type    string `json:"type"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SessionConfig is the immutable recipe for one agent-service session. A new
// Settings snapshot is built from it on every (re)connection.
type SessionConfig struct {
	ListenModel string
	ThinkModel  string
	Temperature float64
	Passive     bool
	Keyterms    []string
}

type Settings struct {
	Type  string        `json:"type"`
	Audio settingsAudio `json:"audio"`
	Agent settingsAgent `json:"agent"`
}

type settingsAudio struct {
	Input  audioInput  `json:"input"`
	Output audioOutput `json:"output"`
}

type audioInput struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

type audioOutput struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	Container  string `json:"container"`
}

type settingsAgent struct {
	Language string           `json:"language"`
	Listen   settingsListen   `json:"listen"`
	Think    settingsThink    `json:"think"`
	Speak    settingsSpeak    `json:"speak"`
	Greeting string           `json:"greeting"`
	Context  *settingsContext `json:"context,omitempty"`
}

type settingsListen struct {
	Provider listenProvider `json:"provider"`
}

type listenProvider struct {
	Type     string   `json:"type"`
	Model    string   `json:"model"`
	Keyterms []string `json:"keyterms,omitempty"`
}

type settingsThink struct {
	Provider  thinkProvider    `json:"provider"`
	Prompt    string           `json:"prompt"`
	Functions []FunctionSchema `json:"functions,omitempty"`
}

type thinkProvider struct {
	Type        string  `json:"type"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
}

type settingsSpeak struct {
	Provider speakProvider `json:"provider"`
}

type speakProvider struct {
	Type  string `json:"type"`
	Model string `json:"model"`
}

type settingsContext struct {
	Messages []Message `json:"messages"`
}

type FunctionSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

func switchLanguageSchema() FunctionSchema {
	return FunctionSchema{
		Name:        SwitchLanguageFunction,
		Description: "Switch the conversation language. Call this when the user requests to speak in a different language.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"language": map[string]any{
					"type":        "string",
					"enum":        []string{LanguageEnglish, LanguageSpanish},
					"description": "The target language: 'en' for English, 'es' for Spanish",
				},
			},
			"required": []string{"language"},
		},
	}
}

// BuildSettings produces the handshake message for a session in the given
// language, optionally seeded with replayed history. It must be the first
// frame sent on a fresh connection.
func BuildSettings(cfg SessionConfig, language string, history []Message) (Settings, error) {
	language = strings.TrimSpace(language)
	if !SupportedLanguage(language) {
		return Settings{}, fmt.Errorf("unsupported language %q", language)
	}

	listenModel := cfg.ListenModel
	if listenModel == "" {
		listenModel = "nova-3"
	}
	thinkModel := cfg.ThinkModel
	if thinkModel == "" {
		thinkModel = "gpt-4o-mini"
	}
	temperature := cfg.Temperature
	if temperature == 0 && !cfg.Passive {
		temperature = 0.7
	}

	prompt := prompts[language]
	if cfg.Passive {
		prompt = passivePrompt
	}

	s := Settings{
		Type: "Settings",
		Audio: settingsAudio{
			Input:  audioInput{Encoding: "mulaw", SampleRate: 8000},
			Output: audioOutput{Encoding: "mulaw", SampleRate: 8000, Container: "none"},
		},
		Agent: settingsAgent{
			Language: language,
			Listen: settingsListen{Provider: listenProvider{
				Type:     "deepgram",
				Model:    listenModel,
				Keyterms: cfg.Keyterms,
			}},
			Think: settingsThink{
				Provider:  thinkProvider{Type: "open_ai", Model: thinkModel, Temperature: temperature},
				Prompt:    prompt,
				Functions: []FunctionSchema{switchLanguageSchema()},
			},
			Speak:    settingsSpeak{Provider: speakProvider{Type: "deepgram", Model: voiceModels[language]}},
			Greeting: greetings[language],
		},
	}
	if len(history) > 0 {
		s.Agent.Context = &settingsContext{Messages: history}
	}
	return s, nil
}
