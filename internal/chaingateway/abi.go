package chaingateway

// factoryABI is the minimal read surface of the agent factory contract:
// enumeration of deployed agents and the creation event the Scheduler's
// dynamic-membership rule reacts to.
const factoryABI = `[
	{"type":"function","name":"agentCount","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"agentAt","stateMutability":"view","inputs":[{"name":"index","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
	{"type":"event","name":"AgentCreated","inputs":[
		{"name":"agent","type":"address","indexed":true},
		{"name":"creator","type":"address","indexed":true},
		{"name":"genomeRef","type":"bytes32","indexed":false},
		{"name":"birthTime","type":"uint256","indexed":false}
	]}
]`

// agentABI is the minimal read surface of a single deployed agent contract,
// matching the AgentSnapshot tuple plus the Heartbeat event the Chain
// Gateway subscribes to per agent.
const agentABI = `[
	{"type":"function","name":"genomeRef","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bytes32"}]},
	{"type":"function","name":"birthTime","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"lastHeartbeatAt","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"heartbeatCount","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"alive","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"balance","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"lastDecisionRef","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bytes32"}]},
	{"type":"function","name":"cumulativeCost","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"creator","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"event","name":"Heartbeat","inputs":[
		{"name":"agent","type":"address","indexed":true},
		{"name":"heartbeatCount","type":"uint256","indexed":false},
		{"name":"decisionRef","type":"bytes32","indexed":false}
	]}
]`
