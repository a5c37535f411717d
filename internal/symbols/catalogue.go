// Package symbols holds the tiered default universe for Binance
// USDⓈ-M futures collection. Tiers drive the shard plan: the top tier
// carries every channel including depth, the mid tier carries book and
// trade streams, and the long tail carries book tickers only.
package symbols

// Tier is a liquidity tier used by the shard planner.
type Tier string

const (
	TierTop  Tier = "top"
	TierMid  Tier = "mid"
	TierTail Tier = "tail"
)

// TopVolume is the top-20 universe by traded volume. The first ten get
// dedicated high-frequency shards.
var TopVolume = []string{
	"BTCUSDT", "ETHUSDT", "BNBUSDT", "SOLUSDT", "XRPUSDT",
	"DOGEUSDT", "ADAUSDT", "TRXUSDT", "AVAXUSDT", "LINKUSDT",
	"DOTUSDT", "TONUSDT", "MATICUSDT", "LTCUSDT", "NEARUSDT",
	"UNIUSDT", "ATOMUSDT", "XLMUSDT", "FILUSDT", "ETCUSDT",
}

// StableAlts are mid-liquidity alts collected on book and trade streams.
var StableAlts = []string{
	"BCHUSDT", "VETUSDT", "ICPUSDT", "APTUSDT", "ALGOUSDT",
	"SHIBUSDT", "HBARUSDT", "SANDUSDT", "MANAUSDT", "AAVEUSDT",
	"FTMUSDT", "EOSUSDT", "THETAUSDT", "AXSUSDT", "CHZUSDT",
	"FLOWUSDT", "KLAYUSDT", "EGLDUSDT", "COMPUSDT", "SNXUSDT",
	"MKRUSDT", "ZILUSDT", "CRVUSDT", "YFIUSDT", "BANDUSDT",
	"OCEANUSDT", "KNCUSDT", "LDOUSDT", "CFXUSDT", "ANKRUSDT",
}

// LongTail is the remainder of the default universe, book tickers only.
var LongTail = []string{
	"SUSHIUSDT", "CAKEUSDT", "1INCHUSDT", "ALPHAUSDT", "BALUSDT",
	"ZENUSDT", "AUDIOUSDT", "CTSIUSDT", "DUSKUSDT", "STORJUSDT",
	"NMRUSDT", "RSRUSDT", "TRBUSDT", "TRUUSDT", "LITUSDT",
	"MATHUSDT", "BNXUSDT", "XVSUSDT", "ENJUSDT", "WAXPUSDT",
	"SLPUSDT", "GALAUSDT", "CHRUSDT", "ALICEUSDT", "SUPERUSDT",
	"YGGUSDT", "LPTUSDT", "MINAUSDT", "RAYUSDT", "FARMUSDT",
	"PERPUSDT", "ONEUSDT", "IOTAUSDT", "ONTUSDT", "QTUMUSDT",
	"NULSUSDT", "RVNUSDT", "WAVESUSDT", "KSMUSDT", "STPTUSDT",
	"FXSUSDT", "AGLDUSDT", "BADGERUSDT", "ACHUSDT", "CELOUSDT",
	"REEFUSDT", "PEPEUSDT", "FLOKIUSDT", "BONKUSDT", "BOMEUSDT",
	"WIFUSDT", "MEMEUSDT", "DOGSUSDT", "NOTUSDT", "ORDIUSDT",
	"PEOPLEUSDT", "SPELLUSDT", "JASMYUSDT", "HOOKUSDT", "MAGICUSDT",
	"HIGHUSDT", "PHBUSDT", "GASUSDT", "GLMRUSDT", "LQTYUSDT",
	"IDUSDT", "ARBUSDT", "OPUSDT", "MAVUSDT", "PENDLEUSDT",
	"ARKMUSDT", "WLDUSDT", "SUIUSDT", "SEIUSDT", "CYBERUSDT",
	"ARKUSDT", "NTRNUSDT", "TIAUSDT", "BEAMXUSDT", "BLURUSDT",
	"VANRYUSDT", "JOEUSDT", "ACEUSDT", "NFPUSDT", "AIUSDT",
	"XAIUSDT", "MANTAUSDT", "ALTUSDT", "PYTHUSDT", "RONINUSDT",
	"DYMUSDT", "PIXELUSDT", "STRKUSDT", "PORTALUSDT", "AXLUSDT",
	"METISUSDT", "INJUSDT", "FETUSDT", "RNDRUSDT", "GRTUSDT",
	"IMXUSDT", "APEUSDT", "GMTUSDT", "ROSEUSDT", "KAVAUSDT",
	"ZRXUSDT", "BATUSDT", "DASHUSDT", "ZECUSDT", "XTZUSDT",
	"IOSTUSDT", "CELRUSDT", "HOTUSDT", "MTLUSDT", "DENTUSDT",
	"RLCUSDT", "SKLUSDT", "GTCUSDT", "IOTXUSDT", "C98USDT",
	"MASKUSDT", "ATAUSDT", "DYDXUSDT", "ENSUSDT", "API3USDT",
	"UMAUSDT", "LRCUSDT", "CTKUSDT", "BELUSDT", "COTIUSDT",
	"ARPAUSDT", "HNTUSDT", "OGNUSDT", "FLMUSDT", "TOMOUSDT",
	"RENUSDT", "SFPUSDT", "UNFIUSDT", "XEMUSDT", "SXPUSDT",
}

// All returns the full default universe, deduplicated and in tier
// order. Target size is 200+ symbols.
func All() []string {
	seen := make(map[string]struct{}, len(TopVolume)+len(StableAlts)+len(LongTail))
	out := make([]string, 0, len(TopVolume)+len(StableAlts)+len(LongTail))
	for _, group := range [][]string{TopVolume, StableAlts, LongTail} {
		for _, s := range group {
			if _, dup := seen[s]; dup {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

// TierOf returns the liquidity tier a symbol belongs to. Unknown
// symbols land in the long tail.
func TierOf(symbol string) Tier {
	for _, s := range TopVolume {
		if s == symbol {
			return TierTop
		}
	}
	for _, s := range StableAlts {
		if s == symbol {
			return TierMid
		}
	}
	return TierTail
}
