// Package gossip propagates Q-table knowledge between agents.
//
// Agents broadcast an announcement carrying their table version every sync
// interval or after a number of local interactions. A peer that has merged
// less than the announced version asks for the entries it is missing and the
// answer is merged through a federation.Merger. Agents also push deltas to a
// few peers known to be behind.
//
// Messages travel over a Transport. NATSTransport uses core NATS subjects;
// MemoryHub connects coordinators inside one process.
package gossip
