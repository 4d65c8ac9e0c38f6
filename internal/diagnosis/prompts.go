package diagnosis

import (
	"fmt"
	"strings"

	"github.com/joelkehle/symptomatch/internal/catalog"
)

// Prompt builders return ordered parts; identical inputs give identical
// prompts so cached and fresh answers come from the same question.

func diagnosisPrompt(catalogJSON []byte, terms []string, topN int) []string {
	return []string{
		"This is the reference disease catalog in JSON format. Each entry has key_id, primary_name, " +
			"consumer_name, word_synonyms (semicolon separated), synonyms and info_link_data " +
			"([url, title] pairs):\n" + string(catalogJSON),
		"The patient reports these symptoms: " + strings.Join(terms, ", ") + ".",
		fmt.Sprintf("Identify the %d most likely catalog entries for these symptoms, most likely first. "+
			"Only choose entries from the catalog and copy their key_id, primary_name and info_link_data. "+
			"For each entry give a brief description, likely causes, effects on the body, "+
			"a list of remedies, advice on what the patient should do next, and a confidence between 0 and 1.", topN),
	}
}

func analysisPrompt(rec *catalog.Record) []string {
	name := rec.PrimaryName
	if rec.ConsumerName != "" && !strings.EqualFold(rec.ConsumerName, rec.PrimaryName) {
		name += " (also called " + rec.ConsumerName + ")"
	}
	return []string{
		"Write a short patient-friendly overview of the condition: " + name + ".",
		"Use markdown with these level-two headings in order: Overview, Causes, Symptoms, " +
			"Treatment, Risk Factors, When to See a Doctor. Keep each section to a few sentences or bullet points.",
		"Do not include a title heading and do not wrap the answer in a code block.",
	}
}

func suggestionPrompt(query string, limit int) []string {
	return []string{
		"A patient is typing a symptom into a search box. Their partial input is: " + query,
		fmt.Sprintf("Suggest up to %d common symptom names that complete or closely relate to this input, "+
			"most relevant first. Use short lowercase phrases.", limit),
	}
}

const suggestionSchema = "- a JSON array of strings, for example [\"fever\", \"fever with chills\"]"

func chatPrompt(catalogNames []string, message string) []string {
	return []string{
		"You are a helpful assistant for a symptom lookup service. The service knows these conditions: " +
			strings.Join(catalogNames, "; ") + ".",
		"Answer the user in plain language in a few short paragraphs. Mention conditions from the list when relevant " +
			"and recommend consulting a clinician for anything serious.",
		"User: " + message,
	}
}
