package ledger

// Contract types accepted in relay requests.
const (
	ContractEventManager = "EventManager"
	ContractTicket       = "Ticket"
	ContractMarketplace  = "Marketplace"
)

// Minimal ABIs: only the entry points the relay and the CLI touch.

const eventManagerABI = `[
 {"type":"function","name":"roles","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"uint8"}]},
 {"type":"function","name":"registerAsFan","stateMutability":"nonpayable","inputs":[],"outputs":[]},
 {"type":"function","name":"registerAsMusician","stateMutability":"nonpayable","inputs":[],"outputs":[]},
 {"type":"function","name":"registerAsFanMeta","stateMutability":"nonpayable","inputs":[{"name":"user","type":"address"},{"name":"v","type":"uint8"},{"name":"r","type":"bytes32"},{"name":"s","type":"bytes32"}],"outputs":[]},
 {"type":"function","name":"registerAsMusicianMeta","stateMutability":"nonpayable","inputs":[{"name":"user","type":"address"},{"name":"v","type":"uint8"},{"name":"r","type":"bytes32"},{"name":"s","type":"bytes32"}],"outputs":[]},
 {"type":"function","name":"createEvent","stateMutability":"nonpayable","inputs":[{"name":"metadataURI","type":"string"},{"name":"price","type":"uint256"},{"name":"totalSupply","type":"uint256"},{"name":"date","type":"uint256"},{"name":"goldRequirement","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"buyTicket","stateMutability":"payable","inputs":[{"name":"eventId","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"cancelEvent","stateMutability":"nonpayable","inputs":[{"name":"eventId","type":"uint256"}],"outputs":[]}
]`

const ticketABI = `[
 {"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"tokenId","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"transferFrom","stateMutability":"nonpayable","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"tokenId","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"ownerOf","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"address"}]}
]`

const marketplaceABI = `[
 {"type":"function","name":"listTicket","stateMutability":"nonpayable","inputs":[{"name":"tokenId","type":"uint256"},{"name":"price","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"buyTicket","stateMutability":"payable","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"cancelListing","stateMutability":"nonpayable","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[]}
]`
