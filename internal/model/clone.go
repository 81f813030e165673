// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package model

// Clone returns a deep copy of the round.
func (r *Round) Clone() *Round {
	if r == nil {
		return nil
	}
	cp := *r
	if r.PromptTask.Metrics != nil {
		m := *r.PromptTask.Metrics
		cp.PromptTask.Metrics = &m
	}
	for i := range r.AnswerTasks {
		if r.AnswerTasks[i].Metrics != nil {
			m := *r.AnswerTasks[i].Metrics
			cp.AnswerTasks[i].Metrics = &m
		}
	}
	cp.Votes = make([]Vote, len(r.Votes))
	copy(cp.Votes, r.Votes)
	return &cp
}

// Clone returns a deep copy of the engine state.
func (s *EngineState) Clone() *EngineState {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Scores = cloneCounts(s.Scores)
	cp.HumanScores = cloneCounts(s.HumanScores)
	cp.HumanVoteTotals = cloneCounts(s.HumanVoteTotals)
	cp.EnabledModelIDs = append([]string(nil), s.EnabledModelIDs...)
	return &cp
}

func cloneCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Clone returns a copy of the model with capability flags duplicated.
func (m Model) Clone() Model {
	cp := m
	cp.CanPrompt = cloneFlag(m.CanPrompt)
	cp.CanAnswer = cloneFlag(m.CanAnswer)
	cp.CanVote = cloneFlag(m.CanVote)
	return cp
}

func cloneFlag(p *bool) *bool {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
