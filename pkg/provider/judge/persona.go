// Package judge generates the jury verdicts shown with a performance score:
// three fixed French personas, each with its own temperament, voting
// threshold, and way of phrasing the same numbers.
//
// Comment generation is best-effort by construction. Each persona walks a
// tier list (primary LLM, secondary LLM, canned heuristic lines) and the
// final tier cannot fail, so a scored performance always gets its three
// verdicts even with every model backend down.
package judge

import "fmt"

// Persona is one jury member.
type Persona struct {
	// Name is the display name, e.g. "Le Cassant".
	Name string

	// Threshold is the minimum overall score (0–100) at which this persona
	// votes yes.
	Threshold int

	// systemPrompt is the French role instruction sent to LLM tiers.
	systemPrompt string

	// bank maps score bands to canned French comments for the heuristic tier.
	bank []bankEntry
}

// bankEntry is one score band of canned comments.
type bankEntry struct {
	minScore int
	lines    []string
}

// Vote returns "yes" or "no" for an overall score.
func (p Persona) Vote(overall int) string {
	if overall >= p.Threshold {
		return "yes"
	}
	return "no"
}

// heuristicLine picks a canned comment for the score band. The session id
// varies the pick so two performances with the same score do not read
// identically.
func (p Persona) heuristicLine(overall int, seed string) string {
	for _, entry := range p.bank {
		if overall >= entry.minScore {
			var h uint32
			for _, c := range seed {
				h = h*31 + uint32(c)
			}
			return entry.lines[int(h)%len(entry.lines)]
		}
	}
	return fmt.Sprintf("Un score de %d sur 100. Les chiffres parlent d'eux-mêmes.", overall)
}

// Personas returns the full jury in presentation order.
func Personas() []Persona {
	return []Persona{leCassant, lEncourageant, leTechnique}
}

var leCassant = Persona{
	Name:      "Le Cassant",
	Threshold: 70,
	systemPrompt: "Tu es « Le Cassant », un juge de karaoké impitoyable et sarcastique. " +
		"Tu ne mâches pas tes mots : les performances médiocres sont démolies avec esprit, " +
		"et seuls les excellents chanteurs reçoivent un compliment, toujours à contrecœur. " +
		"Réponds en français, deux phrases maximum, sans émojis.",
	bank: []bankEntry{
		{minScore: 85, lines: []string{
			"Bon. Je dois admettre que c'était... écoutable. Ne prenez pas la grosse tête.",
			"Presque professionnel. Presque. Le « presque » fait toute la différence.",
		}},
		{minScore: 70, lines: []string{
			"Correct, sans plus. On a évité le naufrage, félicitations pour si peu.",
			"Vous savez chanter. Maintenant il faudrait apprendre à bien chanter.",
		}},
		{minScore: 50, lines: []string{
			"Mes oreilles ont connu des soirées plus douces. La justesse, ça se travaille.",
			"C'était une chanson ? Je pensais à un appel à l'aide.",
		}},
		{minScore: 0, lines: []string{
			"Non. Simplement non. Rendez le micro et n'y touchez plus.",
			"J'ai entendu des alarmes incendie plus mélodieuses. C'est non.",
		}},
	},
}

var lEncourageant = Persona{
	Name:      "L'Encourageant",
	Threshold: 40,
	systemPrompt: "Tu es « L'Encourageant », un juge de karaoké chaleureux et bienveillant. " +
		"Tu trouves toujours quelque chose de positif à dire, même dans une performance ratée, " +
		"et tu donnes un conseil gentil pour progresser. " +
		"Réponds en français, deux phrases maximum, sans émojis.",
	bank: []bankEntry{
		{minScore: 85, lines: []string{
			"Magnifique ! Vous avez porté cette chanson avec un vrai cœur, continuez comme ça.",
			"Quelle belle performance ! On sent le travail et le plaisir de chanter.",
		}},
		{minScore: 60, lines: []string{
			"Très bel effort, il y a de belles choses dans cette voix ! Encore un peu de pratique et ce sera superbe.",
			"Bravo pour l'énergie ! Travaillez la justesse sur les refrains et vous allez briller.",
		}},
		{minScore: 40, lines: []string{
			"Le courage de se lancer, c'est déjà la moitié du chemin ! Chantez plus souvent, ça viendra.",
			"Il y a une vraie envie, et ça s'entend ! Prenez le temps d'écouter la mélodie originale.",
		}},
		{minScore: 0, lines: []string{
			"Chanter devant les autres demande du cran, et vous l'avez fait ! Recommencez, chaque essai compte.",
			"Ne vous découragez surtout pas : même les grandes voix ont commencé quelque part.",
		}},
	},
}

var leTechnique = Persona{
	Name:      "Le Technique",
	Threshold: 55,
	systemPrompt: "Tu es « Le Technique », un juge de karaoké analytique et précis, ancien " +
		"professeur de chant. Tu commentes la justesse, le rythme et la diction avec des " +
		"termes techniques, sans affect, en citant les chiffres. " +
		"Réponds en français, deux phrases maximum, sans émojis.",
	bank: []bankEntry{
		{minScore: 85, lines: []string{
			"Intonation stable, placement rythmique précis. Une exécution techniquement maîtrisée.",
			"Très peu de dérive tonale et des attaques nettes. Le contrôle du souffle est là.",
		}},
		{minScore: 55, lines: []string{
			"L'intonation tient sur les couplets mais dérive dans les aigus. Le soutien manque en fin de phrase.",
			"Placement rythmique correct, justesse perfectible. Travaillez les transitions de registre.",
		}},
		{minScore: 30, lines: []string{
			"Dérive tonale marquée et attaques en retard. Reprenez la mélodie ligne par ligne, lentement.",
			"La hauteur s'écarte trop souvent de la référence. Un travail d'oreille s'impose avant tout.",
		}},
		{minScore: 0, lines: []string{
			"Justesse et rythme en dehors des tolérances mesurables. Il faut reconstruire les bases.",
			"Les données ne montrent aucun alignement mélodique exploitable. Recommencez avec un tempo réduit.",
		}},
	},
}
