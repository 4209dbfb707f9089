// # Go Client Package for Writing Sessions
//
// This package drives the writing-session protocol of the language-learning
// platform: a student starts or resumes a round on a leaderboard, asks the
// assistant for hints, submits sentences and gets them evaluated, all over one
// WebSocket connection authorized by a single-use token.
//
// Transport keeps a self-reconnecting socket per URL and queues outbound
// requests until the socket is open. Client sits on top of it, turns the
// current action into exactly one request and merges exactly one response
// into the SessionState.
package writing
