package sqlinline

// Provider API keys for the script, model and speech backends. Keys set in
// the environment take precedence over these rows.

const QSelectIntegrationToken = `--sql e89ebfb1-e9b9-42ae-932c-07df900e10bf
select token
from integration_tokens
where provider = lower($1::text)
  and btrim(token) <> ''
limit 1;
`

// QUpsertIntegrationToken records who set the key in properties and leaves
// updated_at alone when the same key is stored again.
const QUpsertIntegrationToken = `--sql f4ef3671-4909-495f-904c-e4802a0df892
insert into integration_tokens (id, provider, token, properties, created_at, updated_at)
values (gen_random_uuid(), lower($1::text), $2::text, coalesce($3::jsonb, '{}'::jsonb), now(), now())
on conflict (provider) do update set
    token = excluded.token,
    properties = integration_tokens.properties || excluded.properties,
    updated_at = now()
where integration_tokens.token is distinct from excluded.token;
`

// QListIntegrationTokens never returns the key itself, only its last four
// characters so operators can tell keys apart.
const QListIntegrationTokens = `--sql 54b6808d-c51c-45e0-aee1-2b4b5cafb8ad
select provider, right(token, 4) as suffix, updated_at
from integration_tokens
order by provider;
`

const QDeleteIntegrationToken = `--sql b9550240-9006-49bd-8c8e-04c17571de10
delete from integration_tokens
where provider = lower($1::text);
`
