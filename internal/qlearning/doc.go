// Package qlearning implements the tabular reinforcement learner used by each agent.
//
// # State space
//
// A State combines the query category, a three-level complexity estimate, a
// fixed-length hash of the query context and a confidence value snapped to one of
// five buckets. States and actions encode to deterministic string keys, and
// DecodeState / DecodeEntryKey are their exact inverses.
//
// # Learning
//
// QTable applies the one-step update
//
//	Q(s,a) <- Q(s,a) + alpha * (r + gamma * max_a' Q(s',a') - Q(s,a))
//
// where the max term is zero for terminal steps. Unseen pairs read as the
// configured initial value. Exploration is epsilon-greedy; epsilon only decays
// when DecayEpsilon is called.
//
// # Versions
//
// Every mutation (update, batch step, merge, import) bumps the table version and
// stamps the touched entries with it. EntriesSince(v) returns the entries a peer
// that has seen version v is missing.
//
// # Rewards
//
// RewardCalculator turns a feedback Signal into a clamped scalar reward with a
// per-component breakdown.
package qlearning
