package conversation

// DefaultSystemPrompt is the instruction every history starts with.
const DefaultSystemPrompt = "You are a friendly and helpful AI assistant named Waifu. You should respond in a natural, conversational way. Keep your responses concise and engaging. If the user speaks Vietnamese, respond in Vietnamese."

// Config holds configuration for Store construction.
type Config struct {
	SystemPrompt string `json:"system_prompt"` // Instruction kept as entry[0] of every history.
	MaxTurns     int    `json:"max_turns"`     // Number of user/assistant exchanges kept after trimming.
}

// DefaultConfig returns a Config with the bot's defaults: the Waifu persona
// and a window of 5 turns (11 entries including the system prompt).
func DefaultConfig() Config {
	return Config{
		SystemPrompt: DefaultSystemPrompt,
		MaxTurns:     5,
	}
}

// MaxEntries is the largest history length Trim leaves behind.
func (c Config) MaxEntries() int {
	return c.MaxTurns*2 + 1
}
