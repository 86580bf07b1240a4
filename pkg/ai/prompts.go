package ai

// ExtractPrompt instructs the extraction model to pull typed entities and
// relationships out of a document section. Placeholders: entity types,
// document title, relationship types.
const ExtractPrompt = `You are building a knowledge graph from research documents.

From the text below, identify entities and the relationships between them.

Entity types (use exactly one per entity): %s
Document: %s
Relationship types (use exactly one per relationship): %s

Rules:
- Entity names are short noun phrases, all letters capitalized.
- Only report relationships whose source and target both appear in your entity list.
- Every relationship gets a strength score between 1 and 10.
- Report nothing that is not supported by the text.`

// AnswerPrompt wraps retrieved context for answer generation. The model
// must cite sections in [Document, Pages a-b] form and only make claims
// traceable to the context.
const AnswerPrompt = `Answer the question using only the context below.

Cite every claim with the [Document, Pages a-b] reference of the section
that supports it. If the context does not contain the answer, say so
instead of guessing.

Context:
%s`

// CritiquePrompt asks the critique model to verify grounding: every claim
// traceable to the retrieved text, every citation pointing at a retrieved
// section.
const CritiquePrompt = `You are reviewing a generated answer for factual grounding.

Question:
%s

Answer under review:
%s

Retrieved context the answer must be grounded in:
%s

Check:
1. Every factual claim in the answer is supported by the retrieved context.
2. Every citation refers to a document and page range present in the context.

If the answer fails either check, set pass to false, list the concrete
issues, and suggest up to three revised search queries that would surface
the missing evidence.`

// TreeScorePrompt asks the model to rate how relevant document outline
// nodes are to a query. Placeholders: query, document title, node listing.
const TreeScorePrompt = `You are navigating a document outline to find sections relevant to a query.

Query: %s
Document: %s

Candidate sections:
%s

For each candidate, estimate the probability (0.0 to 1.0) that the section
contains information answering the query. Judge from the title and summary
only. Return a score for every candidate.`

// RefinePrompt asks for a reformulated search query after a failed
// grounding check.
const RefinePrompt = `The search query below did not retrieve enough evidence to answer the
question. Rephrase it into a broader query that is more likely to match
relevant document sections. Return only the rephrased query.

Question: %s
Failed query: %s`

// NoDataPrompt produces an honest "not found" answer instead of letting
// the model improvise one.
const NoDataPrompt = `The document corpus contains no material relevant to this question:

%s

Write one or two sentences telling the user that the indexed documents do
not cover this topic. Do not attempt to answer the question itself.`
