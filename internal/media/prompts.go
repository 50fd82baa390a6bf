package media

const imagePrompt = `Analise esta imagem e forneça uma descrição detalhada em português brasileiro.

Inclua:
- O que aparece na imagem (pessoas, objetos, cenário)
- Cores predominantes
- Contexto provável (se identificável)
- Texto visível (se houver)

Seja conciso mas informativo. Máximo 3 parágrafos.`

const framePrompt = `Este é um quadro extraído de um vídeo recebido via WhatsApp.
Descreva em português brasileiro, em no máximo 2 frases, o que aparece nele.`

const ocrPrompt = `Esta é uma página digitalizada de um documento.
Transcreva todo o texto visível, preservando a ordem de leitura.
Responda apenas com o texto transcrito.`
