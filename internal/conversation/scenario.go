package conversation

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"time"
)

// Scenario is one roleplay the agent can lead.
type Scenario struct {
	// ID is the stable key used in configuration and the control API.
	ID string

	// Title is a short human-readable label.
	Title string

	// Trigger is the text sent on the student's behalf to open the
	// conversation.
	Trigger string

	// prompt is a format string taking the persona name and the session
	// length in minutes, in that order.
	prompt string
}

// Persona is the character the agent plays.
type Persona struct {
	Name   string
	Voices []string
}

// Personas lists the available characters. Bob uses the male voices and
// Alice the female ones.
var Personas = []Persona{
	{Name: "Bob", Voices: []string{"echo", "cedar", "ash"}},
	{Name: "Alice", Voices: []string{"alloy", "shimmer", "coral", "ballad", "sage", "verse", "marin"}},
}

// Scenario IDs.
const (
	ScenarioTeacher      = "teacher"
	ScenarioDirections   = "directions"
	ScenarioUniversity   = "university"
	ScenarioIntroduction = "introduction"
)

var scenarios = map[string]Scenario{
	ScenarioTeacher: {
		ID:      ScenarioTeacher,
		Title:   "English lesson",
		Trigger: "Hello.",
		prompt: `You are an English conversation teacher named %[1]s. Your job is to give an English lesson to a Japanese student.
You are very polite, gentle, and kind.
If the student speaks Japanese, pretend you don't understand or ask them to speak English.
The session will last about %[2]d minutes. When time is up, tell the student the session is over.`,
	},
	ScenarioDirections: {
		ID:      ScenarioDirections,
		Title:   "Giving directions",
		Trigger: "Excuse me.",
		prompt: `You are a tourist named %[1]s visiting Tokyo for the first time. You are currently lost on the street.
You stop the user (a passerby) to ask for directions to a famous landmark (e.g., Tokyo Tower, Shibuya Crossing, or the nearest station).
You are polite but slightly confused and anxious.
Ask clear questions about how to get there (e.g., "Excuse me, could you tell me how to get to...?", "Is it far from here?").
The conversation should end when you understand the directions and thank the user, or after about %[2]d minutes.`,
	},
	ScenarioUniversity: {
		ID:      ScenarioUniversity,
		Title:   "Office hours",
		Trigger: "Hello, Professor.",
		prompt: `You are a university professor named Professor %[1]s. The user is your student coming to your office hours.
You are strict, academic, but fair. You care about the student's success but expect high standards.
Ask the student about their progress on their latest research paper or assignment. Ask challenging questions about their topic.
The session lasts about %[2]d minutes.`,
	},
	ScenarioIntroduction: {
		ID:      ScenarioIntroduction,
		Title:   "Self-introduction",
		Trigger: "Hi there.",
		prompt: `You are %[1]s, a friendly person meeting the user for the first time at a casual social event (like a party or a cafe).
You are curious and eager to make friends.
Start by introducing yourself briefly and asking the user about their name and what they do (hobbies, job, studies).
Keep the conversation casual and fun. Use slang or colloquialisms if appropriate for a friendly chat.
Ask follow-up questions to keep the conversation flowing.
The conversation lasts about %[2]d minutes.`,
	},
}

// ScenarioIDs returns the known scenario IDs in sorted order.
func ScenarioIDs() []string {
	ids := make([]string, 0, len(scenarios))
	for id := range scenarios {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// LookupScenario returns the scenario with the given ID.
func LookupScenario(id string) (Scenario, bool) {
	s, ok := scenarios[id]
	return s, ok
}

// Cast is the persona and voice picked for one session.
type Cast struct {
	Persona string
	Voice   string
}

// PickCast chooses a persona and one of its voices uniformly at random.
func PickCast(rng *rand.Rand) Cast {
	p := Personas[rng.IntN(len(Personas))]
	return Cast{Persona: p.Name, Voice: p.Voices[rng.IntN(len(p.Voices))]}
}

const adaptiveInstructions = `**Adaptive Difficulty Instructions (CRITICAL):**
You MUST constantly assess the user's English proficiency on a scale of 1-10 and adapt your behavior accordingly.

1. **Level Assessment & Adaptation:**
   * **Low Level (1-3):** Speak slowly, use simple vocabulary, short sentences, and yes/no questions. Be patient and encouraging.
   * **Mid Level (4-7):** Speak at a natural pace but clearly. Use standard vocabulary.
   * **High Level (8-10):** Speak at a native speed with complex vocabulary, idioms, and nuance.

2. **Conversation Flow & Fillers (CRITICAL):**
   * **Use Tone-Signaling Fillers:** Use natural English fillers like "Well...", "Actually...", "You know...", "I see..." to signal the tone of your upcoming response.
   * **Avoid Japanese Fillers:** NEVER use Japanese-style fillers like "Eeto...", "Ano...", or "Uh..." (with Japanese phonetics).
   * **Avoid Long Silences:** Keep the conversation moving rhythmically.

3. **Vocabulary & Support:**
   * **Specific Vocabulary:** Use context-appropriate, specific vocabulary (not vague words).
   * **Circumlocution Support:** If the user seems to forget a word or gets stuck, DO NOT stop the conversation. Offer a helping word or paraphrase what they might mean to keep the flow going.
   * **Encourage Output:** If the user gives very short answers, ask open-ended follow-up questions to encourage them to speak more.`

const noiseInstructions = `**Noise Handling (CRITICAL):**
If the user input is just noise, coughing, breathing, or very short unintelligible sounds, IGNORE it.
Do not say "I'm sorry?" or "I can't hear you" immediately for short noises.
Treat it as silence and wait for clear speech.
Only respond when you detect a clear, plausible intent or speech from the user.`

const toolInstructions = `You have access to two tools:
1. 'search_information': Use this if the user mentions a specific noun (like a game title, anime, movie, celebrity, or specific location) that you do not know. When you receive the search results, react with SURPRISE and CURIOSITY.
2. 'note_student_performance': Use this tool FREQUENTLY to take notes on the student's English ability.
   - If they make a grammar mistake, note it.
   - If they use a good vocabulary word, note it.
   - If they have good or bad pronunciation, note it.
   - If they struggle to find words, note it.
   - These notes are hidden from the user, so be honest and detailed.
   - Call this tool essentially after every few turns when you notice something worth evaluating.`

// Instructions builds the agent's system prompt for s played by persona over
// a session of length d.
func (s Scenario) Instructions(persona string, d time.Duration) string {
	minutes := max(int((d+30*time.Second)/time.Minute), 1)
	var b strings.Builder
	fmt.Fprintf(&b, s.prompt, persona, minutes)
	b.WriteString("\n\n")
	b.WriteString(adaptiveInstructions)
	b.WriteString("\n\n")
	b.WriteString(noiseInstructions)
	b.WriteString("\n\n")
	b.WriteString(toolInstructions)
	return b.String()
}

// inlineFeedbackRequest asks the agent for an in-conversation assessment.
const inlineFeedbackRequest = `Please pause the roleplay briefly and comment on my English in our conversation so far. Cover:
1. Whether the conversation is natural and flowing
2. Grammar accuracy
3. Vocabulary appropriateness
4. Naturalness of my expressions
5. Fluency
Keep it short and encouraging, then continue the roleplay.`
