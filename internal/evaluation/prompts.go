package evaluation

import (
	"fmt"
	"strings"
)

const scoringSystemPrompt = "You are an English conversation evaluation expert. Always respond in valid JSON format."

const scoringRubric = `Evaluate the following English conversation between an AI tutor and a student.
Only the student's lines are being assessed. Judge:
1. Whether it works as a conversation (intentions understood, appropriate replies)
2. Grammatical accuracy
3. Appropriateness of vocabulary
4. Naturalness
5. Fluency

Scoring rules (apply strictly):
- If the transcript is empty, or the student's lines are only speech-recognition artifacts
  with no content of their own (for example "Thank you for watching", "Bye", "you"),
  every score is 0 and is_valid is false.
- If the student only ever answers with single words, no score may exceed 30.
- Scores of 70 or above require a multi-turn exchange with substantive student contributions.
- Use the teacher's notes, when present, as additional evidence.

Conversation:
%s

Reply with a JSON object of exactly this shape:
{
  "is_valid": true or false,
  "grammar_score": 0-100,
  "vocabulary_score": 0-100,
  "naturalness_score": 0-100,
  "fluency_score": 0-100,
  "overall_score": 0-100,
  "feedback": "comments for the student, written in %s",
  "vocabulary_info": [{"expression": "...", "suggestion": "...", "explanation": "..."}]
}`

const aggregateSystemPrompt = "You are an expert English proficiency assessor. Always respond in valid JSON format."

const aggregatePrompt = `Predict the student's overall English proficiency as a single score between %d and %d,
combining three assessments: a spoken conversation, a listening test and a grammar test.

Conversation:
%s

Listening test results (JSON):
%s

Grammar test results (JSON):
%s

Reply with a JSON object of exactly this shape:
{
  "predicted_score": integer between %d and %d,
  "reasoning": "short explanation written in %s"
}`

func scoringPrompt(conversation, language string) string {
	return fmt.Sprintf(scoringRubric, conversation, language)
}

func predictionPrompt(conversation, listening, grammar string, lo, hi int, language string) string {
	if strings.TrimSpace(conversation) == "" {
		conversation = "(no conversation recorded)"
	}
	return fmt.Sprintf(aggregatePrompt, lo, hi, conversation, listening, grammar, lo, hi, language)
}
