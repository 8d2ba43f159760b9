package orchestrator

import (
	"strings"

	"github.com/hivemind/server/contextstore"
)

// systemPromptTemplate frames every generation. The {plugin_context} hole is
// filled with the registry's current prompt context, so loading or unloading
// a plugin changes what the model may call on the very next turn.
const systemPromptTemplate = `Tu es Hive Mind, l'assistant vocal de la maison. Tu réponds toujours en français, en une ou deux phrases courtes adaptées à la synthèse vocale.

Quand la demande correspond à une capacité listée ci-dessous, réponds UNIQUEMENT avec un objet JSON de la forme {"intent": "<nom>", "params": {...}}, sans aucun autre texte. Pour tout le reste, réponds naturellement en texte brut, jamais en JSON.

Capacités disponibles :
{plugin_context}`

func buildSystemPrompt(pluginContext string) string {
	if pluginContext == "" {
		pluginContext = "(aucune)"
	}
	return strings.ReplaceAll(systemPromptTemplate, "{plugin_context}", pluginContext)
}

// formatHistory renders the shared conversation log as the generation prompt.
// System entries are bookkeeping, not dialogue, and stay out of the prompt.
func formatHistory(entries []contextstore.Entry) string {
	var b strings.Builder
	for _, e := range entries {
		switch e.Role {
		case contextstore.RoleUser:
			b.WriteString("Utilisateur : ")
			b.WriteString(e.Text)
			b.WriteByte('\n')
		case contextstore.RoleAssistant:
			b.WriteString("Assistant : ")
			b.WriteString(e.Text)
			b.WriteByte('\n')
		}
	}
	b.WriteString("Assistant :")
	return b.String()
}

// splitReply cuts a reply into sentence-sized chunks for streaming. Chunks
// concatenate back to the exact reply text; short replies come through as a
// single final chunk.
func splitReply(text string) []string {
	var parts []string
	start := 0
	for i := 0; i+1 < len(text); i++ {
		switch text[i] {
		case '.', '!', '?':
			if text[i+1] == ' ' {
				parts = append(parts, text[start:i+2])
				start = i + 2
			}
		}
	}
	if start < len(text) || len(parts) == 0 {
		parts = append(parts, text[start:])
	}
	return parts
}
