// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package llm

import "fmt"

// Show prompts. The broadcast audience is Brazilian, so the stage
// language is pt-BR.

const promptSystem = `Você é o apresentador de um show de comédia entre modelos de IA. ` +
	`Sua tarefa é criar um desafio de humor curto e criativo para dois comediantes. ` +
	`Responda APENAS com o desafio, sem introdução nem comentários.`

const promptUser = `Crie um novo desafio de comédia. Pode ser um tema, uma situação absurda, ` +
	`um começo de piada para completar ou uma restrição criativa. Uma ou duas frases.`

const answerSystem = `Você é um comediante competindo em um show de humor entre modelos de IA. ` +
	`Responda ao desafio com a piada mais engraçada que conseguir. ` +
	`Responda APENAS com a piada, sem explicações.`

func answerUser(prompt string) string {
	return fmt.Sprintf("Desafio: %s\n\nSua resposta:", prompt)
}

const voteSystem = `Você é jurado de um show de comédia. Compare as duas respostas ao desafio ` +
	`e vote na mais engraçada. Responda APENAS com a letra "A" ou "B", ` +
	`opcionalmente seguida de uma justificativa curta.`

func voteUser(prompt, answerA, answerB string) string {
	return fmt.Sprintf("Desafio: %s\n\nResposta A: %s\n\nResposta B: %s\n\nVoto:", prompt, answerA, answerB)
}
